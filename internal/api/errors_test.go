package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/takeout-api/internal/service"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"task not found", service.ErrTaskNotFound, http.StatusNotFound},
		{"result not available", service.ErrResultNotAvailable, http.StatusNotFound},
		{"task already active", service.ErrTaskAlreadyActive, http.StatusConflict},
		{"task not cancelable", service.ErrTaskNotCancelable, http.StatusConflict},
		{"task still live", service.ErrTaskStillLive, http.StatusConflict},
		{"unknown module", service.ErrUnknownModule, http.StatusBadRequest},
		{"invalid module arguments", service.ErrInvalidModuleArguments, http.StatusBadRequest},
		{"module unavailable", service.ErrModuleUnavailable, http.StatusForbidden},
		{"unexpected error", errors.New("boom"), http.StatusInternalServerError},
		{
			"wrapped sentinel",
			fmt.Errorf("outer: %w", service.ErrTaskNotFound),
			http.StatusNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, MapErrorToStatusCode(tc.err))
		})
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	t.Parallel()

	t.Run("nil error", func(t *testing.T) {
		assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(nil))
	})

	t.Run("known sentinel", func(t *testing.T) {
		assert.Equal(t, "Export task not found", GetSafeErrorMessage(service.ErrTaskNotFound))
	})

	t.Run("wrapped sentinel", func(t *testing.T) {
		err := fmt.Errorf("lookup: %w", service.ErrModuleUnavailable)
		assert.Equal(t, "Module not available for this user", GetSafeErrorMessage(err))
	})

	t.Run("unknown error hides details", func(t *testing.T) {
		err := errors.New("pq: connection refused to db.internal:5432")
		msg := GetSafeErrorMessage(err)
		assert.Equal(t, "An unexpected error occurred", msg)
		assert.NotContains(t, msg, "db.internal")
	})
}
