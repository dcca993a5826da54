package web

import (
	"errors"

	"github.com/dukex/prompthook/pkg/services"
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

// handleServiceError maps the service error taxonomy onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch services.Kind(err) {
	case services.KindValidation:
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType(validationType(err)).
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case services.KindNotFound:
		return notFound(c, err.Error())

	case services.KindExternal:
		problem := problems.NewStatusProblem(502).
			WithInstance(c.Path()).
			WithType("external_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadGateway).JSON(problem)

	default:
		// Unexpected errors are not detailed to the client.
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}

func validationType(err error) string {
	var serviceErr *services.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code != "" {
		return serviceErr.Code
	}

	return "validation_error"
}
