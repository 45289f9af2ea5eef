package web

import (
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/interaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutionRequest_ServiceRequest(t *testing.T) {
	req, err := RunExecutionRequest{GraphName: "orders", Timeout: "1m30s", Seed: 9}.ServiceRequest()
	require.NoError(t, err)

	assert.Equal(t, "orders", req.GraphName)
	assert.Equal(t, 90*time.Second, req.Timeout)
	assert.Equal(t, uint64(9), req.Seed)

	req, err = RunExecutionRequest{GraphName: "orders"}.ServiceRequest()
	require.NoError(t, err)
	assert.Zero(t, req.Timeout)

	_, err = RunExecutionRequest{GraphName: "orders", Timeout: "ten"}.ServiceRequest()
	require.Error(t, err)
}

func TestSubmitApprovalRequest_Response(t *testing.T) {
	resp := SubmitApprovalRequest{
		Decision:      interaction.DecisionReject,
		User:          "ana",
		Comment:       "missing receipt",
		Modifications: map[string]any{"amount": 10.0},
	}.Response()

	assert.Equal(t, interaction.DecisionReject, resp.Decision)
	assert.Equal(t, "ana", resp.User)
	assert.Equal(t, "missing receipt", resp.Comment)
	assert.Equal(t, 10.0, resp.Modifications["amount"])
}
