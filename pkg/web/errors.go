package web

import (
	"github.com/dukex/flowgraph/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func statusProblem(c fiber.Ctx, status int, problemType string, err error) error {
	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(err.Error())

	return c.Status(status).JSON(problem)
}

// handleServiceError maps service errors to RFC 7807 problems.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return statusProblem(c, fiber.StatusBadRequest, "validation_error", err)
	case services.IsForbiddenError(err):
		return statusProblem(c, fiber.StatusForbidden, "forbidden", err)
	case services.IsNotFoundError(err):
		return statusProblem(c, fiber.StatusNotFound, "not_found", err)
	case services.IsConflictError(err):
		return statusProblem(c, fiber.StatusConflict, "conflict", err)
	case services.IsPreconditionError(err):
		return statusProblem(c, fiber.StatusPreconditionFailed, "precondition_failed", err)
	default:
		// Internal details stay out of the response.
		problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error")

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}
