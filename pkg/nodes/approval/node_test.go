package approval

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/nodes/function"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runResult struct {
	result *models.NodeResult
	err    error
}

func start(ctx context.Context, n *HumanApprovalNode, st *state.GraphState) <-chan runResult {
	done := make(chan runResult, 1)

	go func() {
		result, err := n.Execute(ctx, st)
		done <- runResult{result, err}
	}()

	return done
}

func waitPending(t *testing.T, broker *interaction.Broker) *interaction.Request {
	t.Helper()

	var pending []*interaction.Request

	require.Eventually(t, func() bool {
		pending = broker.Pending()

		return len(pending) == 1
	}, time.Second, time.Millisecond)

	return pending[0]
}

func TestHumanApprovalNode_TimeoutAppliesDefaultReject(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := interaction.NewBroker(interaction.BrokerOptions{Clock: clock})

	node, err := NewHumanApprovalNode("approve", broker, Config{
		Title:         "Approve refund",
		Timeout:       time.Second,
		DefaultAction: interaction.DecisionReject,
	}, WithClock(clock))
	require.NoError(t, err)

	approved, err := function.NewFunctionNode("refund", function.Set(nil))
	require.NoError(t, err)

	rejected, err := function.NewFunctionNode("notify", function.Set(nil))
	require.NoError(t, err)

	node.OnApproved(approved)
	node.OnRejected(rejected)

	st := state.NewFromMap(map[string]any{"amount": 120})
	done := start(context.Background(), node, st)

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, RouteRejected, out.result.Route)
	assert.Equal(t, true, out.result.Data["timed_out"])

	result, ok := st.GetBool(ResultKey)
	require.True(t, ok)
	assert.False(t, result)

	decision, _ := st.GetString(DecisionKey)
	assert.Equal(t, "reject", decision)

	next, err := node.NextNodes(out.result, st)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "notify", next[0].ID())

	events := []interaction.AuditEvent{}
	for _, e := range broker.Audit().Entries() {
		events = append(events, e.Event)
	}

	assert.Equal(t, []interaction.AuditEvent{
		interaction.AuditRequested,
		interaction.AuditDelivered,
		interaction.AuditTimedOut,
		interaction.AuditDefaultApplied,
	}, events)
}

func TestHumanApprovalNode_ApprovalAppliesModifications(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := interaction.NewBroker(interaction.BrokerOptions{Clock: clock})

	node, err := NewHumanApprovalNode("approve", broker, Config{
		Title:       "Approve refund",
		Message:     "Refund of {{ .args.amount }}",
		Timeout:     time.Hour,
		ContextKeys: []string{"amount"},
	}, WithClock(clock))
	require.NoError(t, err)

	exec := execution.NewContextWithID("exec-7", "refunds", nil, execution.DefaultOptions())
	ctx := execution.WithContext(context.Background(), exec)

	st := state.NewFromMap(map[string]any{"amount": 120, "secret": "x"})
	done := start(ctx, node, st)

	req := waitPending(t, broker)
	assert.Equal(t, "exec-7", req.ExecutionID)
	assert.Equal(t, "Refund of 120", req.Message)
	assert.Equal(t, map[string]any{"amount": int64(120)}, req.Context)

	require.NoError(t, broker.Submit(req.ID, interaction.Response{
		Decision:      interaction.DecisionApprove,
		User:          "ada",
		Modifications: map[string]any{"amount": 100},
	}))

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, RouteApproved, out.result.Route)
	assert.Equal(t, "ada", out.result.Data["user"])

	amount, _ := st.GetInt("amount")
	assert.Equal(t, int64(100), amount)

	audit := broker.Audit().ForExecution("exec-7")
	require.NotEmpty(t, audit)
	assert.Equal(t, interaction.AuditModificationsApplied, audit[len(audit)-1].Event)
}

func TestHumanApprovalNode_ConditionPassThrough(t *testing.T) {
	broker := interaction.NewBroker(interaction.BrokerOptions{})

	node, err := NewHumanApprovalNode("approve", broker, Config{Timeout: time.Minute},
		WithCondition(func(st *state.GraphState) (bool, error) {
			amount, _ := st.GetInt("amount")

			return amount > 1000, nil
		}))
	require.NoError(t, err)

	st := state.NewFromMap(map[string]any{"amount": 5})

	result, err := node.Execute(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, RouteApproved, result.Route)
	assert.Equal(t, DecisionNotRequired, result.Data[DecisionKey])
	assert.Empty(t, broker.Audit().Entries())

	approved, _ := st.GetBool(ResultKey)
	assert.True(t, approved)
}

func TestHumanApprovalNode_CancellationResolvesRequest(t *testing.T) {
	broker := interaction.NewBroker(interaction.BrokerOptions{})

	node, err := NewHumanApprovalNode("approve", broker, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, node, state.New())

	req := waitPending(t, broker)
	cancel()

	out := <-done
	require.ErrorIs(t, out.err, context.Canceled)

	_, ok := broker.Request(req.ID)
	assert.False(t, ok)

	entries := broker.Audit().ForRequest(req.ID)
	assert.Equal(t, interaction.AuditCancelled, entries[len(entries)-1].Event)
}

func TestHumanApprovalNode_EscalationRepublishes(t *testing.T) {
	broker := interaction.NewBroker(interaction.BrokerOptions{})

	node, err := NewHumanApprovalNode("approve", broker, Config{EscalateTo: "manager", MaxEscalations: 1})
	require.NoError(t, err)

	done := start(context.Background(), node, state.New())

	first := waitPending(t, broker)
	require.NoError(t, broker.Submit(first.ID, interaction.Response{Decision: interaction.DecisionEscalate}))

	second := waitPending(t, broker)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, interaction.RequestTypeEscalation, second.Type)
	assert.Equal(t, "manager", second.Assignee)

	require.NoError(t, broker.Submit(second.ID, interaction.Response{Decision: interaction.DecisionEscalate}))

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, RouteRejected, out.result.Route)
	assert.Equal(t, 1, out.result.Data["escalated"])
}

func TestHumanApprovalNodeFactory(t *testing.T) {
	broker := interaction.NewBroker(interaction.BrokerOptions{})
	factory := NewHumanApprovalNodeFactory(broker, nil, nil)

	node, err := factory.Create(context.Background(), "approve", map[string]any{
		"title":          "Ship it?",
		"timeout":        2.5,
		"default_action": "approve",
		"condition":      "{{ gt .args.amount 10.0 }}",
	})
	require.NoError(t, err)

	gate, ok := node.(*HumanApprovalNode)
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, gate.Config().Timeout)
	assert.Equal(t, interaction.DecisionApprove, gate.Config().DefaultAction)

	_, err = factory.Create(context.Background(), "approve", map[string]any{"default_action": "maybe"})
	require.Error(t, err)
}
