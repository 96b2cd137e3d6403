package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"nefrit/internal/http/middleware"
)

// errorPayload is the JSON body of every error response.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusCodes maps statuses raised by fiber itself to envelope codes.
var statusCodes = map[int]struct{ code, message string }{
	fiber.StatusBadRequest:         {"BAD_REQUEST", "bad request"},
	fiber.StatusUnauthorized:       {"UNAUTHORIZED", "unauthorized"},
	fiber.StatusNotFound:           {"NOT_FOUND", "resource not found"},
	fiber.StatusMethodNotAllowed:   {"METHOD_NOT_ALLOWED", "method not allowed"},
	fiber.StatusServiceUnavailable: {"SERVICE_UNAVAILABLE", "service unavailable"},
}

// writeError writes the error envelope. message must be safe to show to
// clients; internal errors are logged, never echoed.
func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorPayload{
		RequestID: middleware.RequestIDFrom(c),
		Error:     errorEnvelope{Code: code, Message: message},
	})
}

// ErrorHandler is the fiber error handler for both nodes.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		if m, ok := statusCodes[status]; ok {
			return writeError(c, status, m.code, m.message)
		}
		return writeError(c, status, "INTERNAL_ERROR", "internal server error")
	}
}
