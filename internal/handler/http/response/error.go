package response

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/jwt"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/validator"
)

// HandleError maps domain errors to HTTP responses
func HandleError(w http.ResponseWriter, err error) {
	// Check if it's a validation error
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		ValidationError(w, validationErrs.ToMap())
		return
	}

	switch {
	// Facade errors
	case errors.Is(err, presence.ErrUnknownEmployee):
		Forbidden(w, "Employee is not registered on this device")
	case errors.Is(err, presence.ErrInvalidKind):
		BadRequest(w, "Unknown presence action", nil)
	case errors.Is(err, jwt.ErrEmployeeRequired):
		BadRequest(w, "Employee ID is required", nil)

	// Queue errors
	case errors.Is(err, presence.ErrActionNotFound):
		NotFound(w, "Action not found")
	case errors.Is(err, presence.ErrQueueExhausted):
		Conflict(w, "Action dropped after repeated failures, please retry")
	case errors.Is(err, presence.ErrRejected):
		Conflict(w, "Action rejected by server")

	// Backend request errors
	case errors.Is(err, presence.ErrTransient):
		ServiceUnavailable(w, "Presence backend is unreachable")
	case errors.Is(err, presence.ErrTerminal):
		BadGateway(w, "Presence backend refused the request")

	// Default
	default:
		slog.Error("Unhandled error", "error", err)
		InternalServerError(w, "An unexpected error occurred")
	}
}
