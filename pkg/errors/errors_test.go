package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_FormatAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewRotationFailureError("failed to rotate channel", cause).WithContext("channel", "alerts")

	assert.Equal(t, "rotation_failure: failed to rotate channel: disk full", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, "alerts", err.Context["channel"])

	plain := NewNotRunningError("worker is not running", nil)
	assert.Equal(t, "not_running: worker is not running", plain.Error())
}

func TestDomainError_IsMatchesType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewAlreadyRunningError("worker api is running", nil))

	assert.True(t, errors.Is(err, &DomainError{Type: ErrorTypeAlreadyRunning}))
	assert.False(t, errors.Is(err, &DomainError{Type: ErrorTypeNotRunning}))
	assert.True(t, IsAlreadyRunningError(err))
	assert.False(t, IsCrashDetectedError(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", NewValidationError("bad", nil), http.StatusBadRequest},
		{"not found", NewNotFoundError("missing", nil), http.StatusNotFound},
		{"already running", NewAlreadyRunningError("running", nil), http.StatusConflict},
		{"unauthorized", NewUnauthorizedError("no credential", nil), http.StatusUnauthorized},
		{"forbidden", NewForbiddenError("role", nil), http.StatusForbidden},
		{"too many requests", NewTooManyRequestsError("slow down", nil), http.StatusTooManyRequests},
		{"upstream", NewUpstreamUnavailableError("down", nil), http.StatusBadGateway},
		{"probe timeout", NewHealthProbeTimeoutError("slow", nil), http.StatusGatewayTimeout},
		{"crash", NewCrashDetectedError("exited", nil), http.StatusServiceUnavailable},
		{"not running", NewNotRunningError("stopped", nil), http.StatusOK},
		{"plain error", fmt.Errorf("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("ctx: %w", NewTooManyRequestsError("x", nil)), http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestErrorCollection(t *testing.T) {
	collection := NewErrorCollection()
	require.NoError(t, collection.ToError())

	collection.Add(nil)
	assert.False(t, collection.HasErrors())

	collection.Add(NewProcessError("failed to terminate 42", nil))
	collection.Add(NewProcessError("failed to terminate 43", nil))
	require.Error(t, collection.ToError())
	assert.Contains(t, collection.Error(), "2 errors occurred")
}
