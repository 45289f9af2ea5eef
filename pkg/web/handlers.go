// Package web provides HTTP handlers and REST API endpoints for running graphs.
package web

import (
	"bytes"
	"net/http"
	"time"

	"github.com/dukex/kernelgraph/pkg/metrics"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/registry"
	"github.com/dukex/kernelgraph/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	graphs     *services.Graphs
	executions *services.Executions
	approvals  *services.Approvals
	validator  *validator.Validate
	registry   *registry.Registry
}

func NewAPIHandlers(
	graphs *services.Graphs,
	executions *services.Executions,
	approvals *services.Approvals,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		graphs:     graphs,
		executions: executions,
		approvals:  approvals,
		validator:  validator,
		registry:   registry,
	}
}

// Routes mounts every endpoint on app.
func (h *APIHandlers) Routes(app *fiber.App) {
	g := app.Group("/graphs")
	g.Get("/", h.GetGraphs)
	g.Get("/:name", h.GetGraph)

	e := app.Group("/executions")
	e.Get("/", h.GetExecutions)
	e.Post("/", h.RunExecution)
	e.Post("/enqueue", h.EnqueueExecution)
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/cancel", h.CancelExecution)
	e.Get("/:id/checkpoints", h.GetExecutionCheckpoints)

	app.Post("/checkpoints/:id/resume", h.ResumeCheckpoint)

	a := app.Group("/approvals")
	a.Get("/", h.GetApprovals)
	a.Get("/:id", h.GetApproval)
	a.Post("/:id", h.SubmitApproval)

	app.Get("/nodes", h.GetNodeTypes)
	app.Get("/metrics", h.GetMetrics)
	app.Get("/metrics/prometheus", h.GetPrometheusMetrics)
	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetGraphs(c fiber.Ctx) error {
	graphs := h.graphs.List()

	return c.JSON(fiber.Map{
		"graphs":      graphs,
		"total_count": len(graphs),
	})
}

func (h *APIHandlers) GetGraph(c fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return badRequest(c, "Graph name is required")
	}

	structure, err := h.graphs.Structure(name)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(structure)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	req := services.ListExecutionsRequest{GraphName: c.Query("graph_name")}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.ExecutionStatus(statusStr)
		req.Status = &status
	}

	executions, err := h.executions.List(req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
	})
}

// parseRunRequest binds and validates a run request body.
func (h *APIHandlers) parseRunRequest(c fiber.Ctx) (*services.RunRequest, error) {
	var body RunExecutionRequest
	if err := c.Bind().JSON(&body); err != nil {
		return nil, badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(body); err != nil {
		return nil, badRequest(c, err.Error())
	}

	req, err := body.ServiceRequest()
	if err != nil {
		return nil, badRequest(c, err.Error())
	}

	return &req, nil
}

// RunExecution runs a graph and responds once it finished. A failed run is still 200;
// its status tells the outcome.
func (h *APIHandlers) RunExecution(c fiber.Ctx) error {
	req, err := h.parseRunRequest(c)
	if req == nil {
		return err
	}

	exec, err := h.executions.Run(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) EnqueueExecution(c fiber.Ctx) error {
	req, err := h.parseRunRequest(c)
	if req == nil {
		return err
	}

	exec, err := h.executions.Enqueue(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(exec)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	exec, err := h.executions.Get(id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	exec, err := h.executions.Cancel(id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(exec)
}

func (h *APIHandlers) GetExecutionCheckpoints(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	checkpoints, err := h.executions.Checkpoints(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"checkpoints": checkpoints,
		"total_count": len(checkpoints),
	})
}

func (h *APIHandlers) ResumeCheckpoint(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Checkpoint ID is required")
	}

	exec, err := h.executions.Resume(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) GetApprovals(c fiber.Ctx) error {
	pending := h.approvals.Pending(c.Query("execution_id"))

	return c.JSON(fiber.Map{
		"approvals":   pending,
		"total_count": len(pending),
	})
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Approval ID is required")
	}

	req, err := h.approvals.Get(id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"approval": req,
		"history":  h.approvals.History(id),
	})
}

func (h *APIHandlers) SubmitApproval(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Approval ID is required")
	}

	var body SubmitApprovalRequest
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(body); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.approvals.Submit(id, body.Response()); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"history": h.approvals.History(id),
	})
}

func (h *APIHandlers) GetNodeTypes(c fiber.Ctx) error {
	factories := h.registry.GetAvailableNodes()

	nodes := make([]NodeTypeResponse, 0, len(factories))
	for _, factory := range factories {
		nodes = append(nodes, TransformNodeType(factory))
	}

	return c.JSON(fiber.Map{
		"nodes":       nodes,
		"total_count": len(nodes),
	})
}

func (h *APIHandlers) GetMetrics(c fiber.Ctx) error {
	collector := h.graphs.Metrics()
	if collector == nil {
		return notFound(c, "metrics_disabled", "Error metrics are not enabled")
	}

	if nodeID := c.Query("node_id"); nodeID != "" {
		nm, ok := collector.NodeMetrics(nodeID)
		if !ok {
			return notFound(c, "node_metrics_not_found", "No errors recorded for node "+nodeID)
		}

		return c.JSON(nm)
	}

	if executionID := c.Query("execution_id"); executionID != "" {
		em, ok := collector.ExecutionMetrics(executionID)
		if !ok {
			return notFound(c, "execution_metrics_not_found", "No errors recorded for execution "+executionID)
		}

		return c.JSON(em)
	}

	return c.JSON(collector.Statistics())
}

func (h *APIHandlers) GetPrometheusMetrics(c fiber.Ctx) error {
	collector := h.graphs.Metrics()
	if collector == nil {
		return notFound(c, "metrics_disabled", "Error metrics are not enabled")
	}

	var buf bytes.Buffer
	if err := collector.WritePrometheus(&buf); err != nil {
		return internalError(c, err)
	}

	c.Set(fiber.HeaderContentType, metrics.ContentType())

	return c.Send(buf.Bytes())
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	nodeTypes := len(h.registry.GetAvailableNodes())
	graphs := len(h.graphs.List())

	status := "unhealthy"
	message := "kernelgraph API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if nodeTypes > 0 {
		status = "healthy"
		message = "kernelgraph API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"node_types": nodeTypes,
			"graphs":     graphs,
		},
		"timestamp": time.Now().UTC(),
	})
}
