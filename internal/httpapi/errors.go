package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/libraryhub/services/library/internal/loans"
	"github.com/libraryhub/services/library/internal/repo"
)

type apiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c *fiber.Ctx, data interface{}) error {
	return c.JSON(apiResponse{Success: true, Data: data})
}

func okMessage(c *fiber.Ctx, message string) error {
	return c.JSON(apiResponse{Success: true, Message: message})
}

func created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(apiResponse{Success: true, Data: data})
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(apiResponse{Success: false, Message: message})
}

// failFor maps a typed error from the core to a response. Precondition
// failures keep their message; anything unrecognized is an infrastructure
// error and is never surfaced verbatim.
func failFor(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, loans.ErrInvalidReference),
		errors.Is(err, loans.ErrInvalidDateRange):
		return fail(c, fiber.StatusBadRequest, err.Error())

	case errors.Is(err, loans.ErrStudentNotEligible),
		errors.Is(err, loans.ErrLoanLimitExceeded),
		errors.Is(err, loans.ErrOutOfStock),
		errors.Is(err, repo.ErrStudentHasOpenLoans),
		errors.Is(err, repo.ErrBookHasOpenLoans):
		return fail(c, fiber.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, loans.ErrLoanNotFound),
		errors.Is(err, repo.ErrStudentNotFound),
		errors.Is(err, repo.ErrBookNotFound),
		errors.Is(err, repo.ErrNotificationNotFound),
		errors.Is(err, repo.ErrNoRecipients):
		return fail(c, fiber.StatusNotFound, err.Error())

	case errors.Is(err, loans.ErrLoanAlreadyReturned),
		errors.Is(err, loans.ErrConcurrentModification),
		errors.Is(err, repo.ErrStudentAlreadyExists):
		return fail(c, fiber.StatusConflict, err.Error())

	case errors.Is(err, loans.ErrSettingsUnavailable),
		errors.Is(err, repo.ErrSettingsNotFound):
		return fail(c, fiber.StatusServiceUnavailable, err.Error())

	default:
		return fail(c, fiber.StatusInternalServerError, "internal error")
	}
}
