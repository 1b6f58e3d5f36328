package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		error    *DomainError
		expected string
	}{
		{
			name:     "error without cause",
			error:    NewValidationError("bad descriptor", nil),
			expected: "validation: bad descriptor",
		},
		{
			name:     "error with cause",
			error:    NewProcessError("failed to start", errors.New("exec format error")),
			expected: "process: failed to start: exec format error",
		},
		{
			name:     "error with sorted context",
			error:    NewNotFoundError("unknown profile", nil).WithContext("profile", "staging").WithContext("app", "pdm-sync-server"),
			expected: "not_found: unknown profile [app=pdm-sync-server profile=staging]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.error.Error())
		})
	}
}

func TestDomainError_TypeChecking(t *testing.T) {
	validationErr := NewValidationError("validation error", nil)
	wrapped := fmt.Errorf("loading: %w", validationErr)

	assert.True(t, IsValidationError(validationErr))
	assert.True(t, IsValidationError(wrapped))
	assert.False(t, IsProcessError(wrapped))
	assert.False(t, IsValidationError(errors.New("plain")))
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))

	assert.True(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeValidation}))
	assert.False(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeIO}))
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewIOError("read failed", cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, cause)
}

func TestErrorCollection(t *testing.T) {
	collection := NewErrorCollection()

	assert.False(t, collection.HasErrors())
	assert.Nil(t, collection.ToError())

	collection.Add(NewValidationError("error 1", nil))
	collection.Add(NewValidationError("error 2", nil))
	collection.Add(nil)

	assert.True(t, collection.HasErrors())
	assert.Len(t, collection.Errors, 2)

	err := collection.ToError()
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, err.Error(), "error 1")
	assert.Contains(t, err.Error(), "error 2")
}

func TestErrorCollection_SingleError(t *testing.T) {
	collection := NewErrorCollection()
	collection.Add(NewNotFoundError("single error", nil))

	err := collection.ToError()
	require.Error(t, err)
	assert.Equal(t, "not_found: single error", err.Error())
}

func TestAllErrorTypes(t *testing.T) {
	errorTypes := []struct {
		name        string
		constructor func(string, error) *DomainError
		checker     func(error) bool
		errorType   ErrorType
	}{
		{"validation", NewValidationError, IsValidationError, ErrorTypeValidation},
		{"not_found", NewNotFoundError, IsNotFoundError, ErrorTypeNotFound},
		{"conflict", NewConflictError, IsConflictError, ErrorTypeConflict},
		{"process", NewProcessError, IsProcessError, ErrorTypeProcess},
		{"timeout", NewTimeoutError, IsTimeoutError, ErrorTypeTimeout},
		{"permission", NewPermissionError, IsPermissionError, ErrorTypePermission},
		{"unauthorized", NewUnauthorizedError, IsUnauthorizedError, ErrorTypeUnauthorized},
		{"io", NewIOError, IsIOError, ErrorTypeIO},
		{"network", NewNetworkError, IsNetworkError, ErrorTypeNetwork},
		{"internal", NewInternalError, IsInternalError, ErrorTypeInternal},
		{"cancelled", NewCancelledError, IsCancelledError, ErrorTypeCancelled},
	}

	for _, tt := range errorTypes {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("test message", nil)
			assert.Equal(t, tt.errorType, err.Type)
			assert.True(t, tt.checker(err))
		})
	}
}
