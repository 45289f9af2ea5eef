package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/execution"
	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/dukex/kernelgraph/pkg/log"
	"github.com/dukex/kernelgraph/pkg/metrics"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/nodes/approval"
	"github.com/dukex/kernelgraph/pkg/nodes/function"
	"github.com/dukex/kernelgraph/pkg/registry"
	"github.com/dukex/kernelgraph/pkg/services"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/dukex/kernelgraph/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	app        *fiber.App
	graphs     *services.Graphs
	executions *services.Executions
}

func node(t *testing.T, id string, f function.Func) graph.Node {
	t.Helper()

	n, err := function.NewFunctionNode(id, f, graph.WithStoreResultAs(id))
	require.NoError(t, err)

	return n
}

func ok(id string) function.Func {
	return func(context.Context, *state.GraphState) (map[string]any, error) {
		return map[string]any{"node": id}, nil
	}
}

func setupTestEnv(t *testing.T, collector *metrics.ErrorMetricsCollector) *testEnv {
	t.Helper()

	broker := interaction.NewBroker(interaction.BrokerOptions{Logger: log.Discard()})

	opts := execution.DefaultOptions()
	opts.EnableLogging = false

	graphs := services.NewGraphs(services.Runtime{
		Logger:  log.Discard(),
		Options: opts,
		Broker:  broker,
		Metrics: collector,
	})
	executions := services.NewExecutions(graphs, services.ExecutionsOptions{Logger: log.Discard()})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = executions.Close(ctx)
	})

	orders := graph.New("orders")
	orders.SetDescription("Receives and ships orders")
	require.NoError(t, orders.AddNode(node(t, "receive", ok("receive")), node(t, "ship", ok("ship"))))
	require.NoError(t, orders.Connect("receive", "ship"))

	_, err := graphs.RegisterGraph(orders)
	require.NoError(t, err)

	broken := graph.New("broken")
	require.NoError(t, broken.AddNode(node(t, "explode", func(context.Context, *state.GraphState) (map[string]any, error) {
		return nil, models.NewGraphError(models.ErrorTypeAuthentication, "bad token", nil)
	})))

	_, err = graphs.RegisterGraph(broken)
	require.NoError(t, err)

	gate, err := approval.NewHumanApprovalNode("approve", broker, approval.Config{Title: "Approve refund"},
		approval.WithLogger(log.Discard()))
	require.NoError(t, err)

	refund := node(t, "refund", ok("refund"))
	gate.OnApproved(refund)

	refunds := graph.New("refunds")
	require.NoError(t, refunds.AddNode(gate, refund))

	_, err = graphs.RegisterGraph(refunds)
	require.NoError(t, err)

	reg := registry.NewRegistry(log.Discard())
	reg.RegisterDefaultNodes(registry.Dependencies{Logger: log.Discard(), Channel: broker})

	handlers := web.NewAPIHandlers(
		graphs,
		executions,
		services.NewApprovals(broker),
		validator.New(validator.WithRequiredStructEnabled()),
		reg,
	)

	app := fiber.New()
	handlers.Routes(app)

	return &testEnv{app: app, graphs: graphs, executions: executions}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))

	return out
}

func TestAPIHandlers_Graphs(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/graphs", nil)
	require.Equal(t, http.StatusOK, status)

	list := decode[struct {
		Graphs     []services.GraphSummary `json:"graphs"`
		TotalCount int                     `json:"total_count"`
	}](t, body)
	assert.Equal(t, 3, list.TotalCount)
	assert.Equal(t, "broken", list.Graphs[0].Name)

	status, body = env.do(t, http.MethodGet, "/graphs/orders", nil)
	require.Equal(t, http.StatusOK, status)

	structure := decode[graph.Structure](t, body)
	assert.Equal(t, "orders", structure.Name)
	assert.Equal(t, "Receives and ships orders", structure.Description)
	assert.Equal(t, "receive", structure.Start)

	status, body = env.do(t, http.MethodGet, "/graphs/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "graph_not_found")
}

func TestAPIHandlers_RunExecution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		validateResult func(t *testing.T, body []byte)
	}{
		{
			name: "successful run",
			requestBody: web.RunExecutionRequest{
				GraphName: "orders",
				Variables: map[string]any{"order": "A-1"},
				Priority:  models.PriorityHigh,
				Timeout:   "30s",
			},
			expectedStatus: http.StatusOK,
			validateResult: func(t *testing.T, body []byte) {
				t.Helper()

				exec := decode[services.Execution](t, body)
				assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
				assert.Equal(t, []string{"receive", "ship"}, exec.Path)
				assert.Equal(t, models.PriorityHigh, exec.Priority)
				assert.Equal(t, "A-1", exec.Result.Variables["order"])
			},
		},
		{
			name:           "failed run is still a response",
			requestBody:    web.RunExecutionRequest{GraphName: "broken"},
			expectedStatus: http.StatusOK,
			validateResult: func(t *testing.T, body []byte) {
				t.Helper()

				exec := decode[services.Execution](t, body)
				assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
				assert.Contains(t, exec.Error, "bad token")
			},
		},
		{
			name:           "validation error - missing graph",
			requestBody:    web.RunExecutionRequest{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "validation error - priority",
			requestBody:    web.RunExecutionRequest{GraphName: "orders", Priority: "urgent"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "validation error - timeout",
			requestBody:    web.RunExecutionRequest{GraphName: "orders", Timeout: "soon"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown graph",
			requestBody:    web.RunExecutionRequest{GraphName: "missing"},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "invalid JSON",
			requestBody:    "invalid-json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := setupTestEnv(t, nil)

			status, body := env.do(t, http.MethodPost, "/executions", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.validateResult != nil {
				tt.validateResult(t, body)
			}
		})
	}
}

func TestAPIHandlers_ExecutionLifecycle(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/executions/enqueue", web.RunExecutionRequest{GraphName: "orders"})
	require.Equal(t, http.StatusAccepted, status)

	queued := decode[services.Execution](t, body)
	require.NotEmpty(t, queued.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := env.executions.Wait(ctx, queued.ID)
	require.NoError(t, err)

	status, body = env.do(t, http.MethodGet, "/executions/"+queued.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.ExecutionStatusCompleted, decode[services.Execution](t, body).Status)

	status, _ = env.do(t, http.MethodPost, "/executions/"+queued.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodGet, "/executions?status=completed", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"total_count":1`)

	status, _ = env.do(t, http.MethodGet, "/executions?status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodGet, "/executions/"+queued.ID+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"total_count":0`)

	status, _ = env.do(t, http.MethodPost, "/checkpoints/missing/resume", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_Approvals(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/executions/enqueue", web.RunExecutionRequest{GraphName: "refunds"})
	require.Equal(t, http.StatusAccepted, status)

	exec := decode[services.Execution](t, body)

	type pendingList struct {
		Approvals  []interaction.Request `json:"approvals"`
		TotalCount int                   `json:"total_count"`
	}

	var pending pendingList

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/approvals?execution_id="+exec.ID, nil)
		pending = decode[pendingList](t, body)

		return pending.TotalCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	id := pending.Approvals[0].ID

	status, body = env.do(t, http.MethodGet, "/approvals/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "Approve refund")

	status, _ = env.do(t, http.MethodPost, "/approvals/"+id, web.SubmitApprovalRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/approvals/"+id, web.SubmitApprovalRequest{
		Decision: interaction.DecisionApprove,
		User:     "ana",
		Comment:  "looks fine",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodPost, "/approvals/"+id, web.SubmitApprovalRequest{Decision: interaction.DecisionApprove})
	assert.Equal(t, http.StatusNotFound, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done, err := env.executions.Wait(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "refund"}, done.Path)
}

func TestAPIHandlers_NodeTypes(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, status)

	list := decode[struct {
		Nodes []web.NodeTypeResponse `json:"nodes"`
	}](t, body)

	ids := make([]string, 0, len(list.Nodes))
	for _, n := range list.Nodes {
		ids = append(ids, n.ID)
	}

	assert.Contains(t, ids, "function")
	assert.Contains(t, ids, "human_approval")
	assert.Contains(t, ids, "conditional")
}

func TestAPIHandlers_Metrics(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t, nil)

		status, _ := env.do(t, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = env.do(t, http.MethodGet, "/metrics/prometheus", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t, metrics.NewErrorMetricsCollector(metrics.DefaultOptions()))

		status, body := env.do(t, http.MethodPost, "/executions", web.RunExecutionRequest{GraphName: "broken"})
		require.Equal(t, http.StatusOK, status)

		exec := decode[services.Execution](t, body)

		status, body = env.do(t, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, status)

		stats := decode[metrics.Statistics](t, body)
		assert.Equal(t, 1, stats.TotalErrors)
		assert.Equal(t, 1, stats.ByType[models.ErrorTypeAuthentication])

		status, _ = env.do(t, http.MethodGet, "/metrics?execution_id="+exec.ID, nil)
		assert.Equal(t, http.StatusOK, status)

		status, _ = env.do(t, http.MethodGet, "/metrics?node_id=receive", nil)
		assert.Equal(t, http.StatusNotFound, status)

		req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
		resp, err := env.app.Test(req)
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, metrics.ContentType(), resp.Header.Get("Content-Type"))
	})
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"status":"healthy"`)
	assert.Contains(t, string(body), `"graphs":3`)
}
