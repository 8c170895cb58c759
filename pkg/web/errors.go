package web

import (
	"errors"

	"github.com/dukex/autoflow/pkg/connectors/webhook"
	"github.com/dukex/autoflow/pkg/engine"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleEngineError maps engine and webhook errors to problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case engine.IsValidationError(err):
		return badRequest(c, err.Error())

	case engine.IsNotFoundError(err):
		return problem(c, fiber.StatusNotFound, "not_found", err.Error())

	case engine.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case errors.Is(err, webhook.ErrNotSubscribed):
		return problem(c, fiber.StatusNotFound, "webhook_not_found", "no active workflow listens on this webhook")

	case errors.Is(err, webhook.ErrInvalidSecret):
		return problem(c, fiber.StatusUnauthorized, "invalid_secret", err.Error())

	case errors.Is(err, webhook.ErrPayloadRejected):
		return problem(c, fiber.StatusUnprocessableEntity, "payload_rejected", err.Error())

	case errors.Is(err, engine.ErrStopped):
		return problem(c, fiber.StatusServiceUnavailable, "unavailable", err.Error())

	default:
		return internalError(c, err)
	}
}
