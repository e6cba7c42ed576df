package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/takeout-api/internal/service"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, service.ErrResultNotAvailable):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, service.ErrTaskAlreadyActive),
		errors.Is(err, service.ErrTaskNotCancelable),
		errors.Is(err, service.ErrTaskStillLive):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, service.ErrUnknownModule),
		errors.Is(err, service.ErrInvalidModuleArguments):
		return http.StatusBadRequest

	// Authorization errors
	case errors.Is(err, service.ErrModuleUnavailable):
		return http.StatusForbidden

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		return "Export task not found"

	case errors.Is(err, service.ErrResultNotAvailable):
		return "Result file not available"

	case errors.Is(err, service.ErrTaskAlreadyActive):
		return "An export task is already active for this user"

	case errors.Is(err, service.ErrTaskNotCancelable):
		return "Export task is already finished"

	case errors.Is(err, service.ErrTaskStillLive):
		return "Export task is still in progress"

	case errors.Is(err, service.ErrUnknownModule):
		return "Unknown export module"

	case errors.Is(err, service.ErrInvalidModuleArguments):
		return "Invalid module arguments"

	case errors.Is(err, service.ErrModuleUnavailable):
		return "Module not available for this user"

	default:
		return "An unexpected error occurred"
	}
}
