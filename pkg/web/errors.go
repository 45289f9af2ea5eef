package web

import (
	"errors"

	"github.com/dukex/kernelgraph/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps service layer errors to problem documents.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case errors.Is(err, services.ErrGraphNotFound):
		return notFound(c, "graph_not_found", err.Error())

	case errors.Is(err, services.ErrExecutionNotFound):
		return notFound(c, "execution_not_found", err.Error())

	case errors.Is(err, services.ErrCheckpointNotFound):
		return notFound(c, "checkpoint_not_found", err.Error())

	case errors.Is(err, services.ErrRequestNotFound):
		return notFound(c, "approval_not_found", err.Error())

	case errors.Is(err, services.ErrServiceClosed):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("service_unavailable").
			WithDetail(err.Error())

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		return internalError(c, err)
	}
}
