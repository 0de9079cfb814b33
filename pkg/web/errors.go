package web

import (
	"errors"

	"github.com/dukex/maestro/pkg/persistence"
	"github.com/dukex/maestro/pkg/statemanager"
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

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine and persistence errors onto problem
// responses: missing records are 404, rejected transitions are 409,
// everything else is a 500.
func handleEngineError(c fiber.Ctx, err error) error {
	var invalid *statemanager.InvalidTransitionError

	switch {
	case errors.Is(err, persistence.ErrUserNotFound):
		return notFound(c, "user not found")
	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow not found")
	case persistence.IsNodeNotFound(err):
		return notFound(c, "node not found")
	case errors.As(err, &invalid):
		return conflict(c, invalid.Error())
	default:
		return internalError(c, err)
	}
}
