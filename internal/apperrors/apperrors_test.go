package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeOffline, "no connectivity")
	assert.Equal(t, "[OFFLINE] no connectivity", err.Error())

	wrapped := Wrap(CodeUnavailable, "open store", errors.New("disk full"))
	assert.Equal(t, "[UNAVAILABLE] open store: disk full", wrapped.Error())
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeNetwork, "request failed", cause)

	require.ErrorIs(t, err, cause)

	// CodeOf finds the AppError even through further wrapping.
	outer := fmt.Errorf("drain: %w", err)
	assert.Equal(t, CodeNetwork, CodeOf(outer))
	assert.True(t, Is(outer, CodeNetwork))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
	}{
		{CodeNetwork, true},
		{CodeTimeout, true},
		{CodeServerError, true},
		{CodeRateLimited, true},
		{CodeUnauthorized, false},
		{CodeForbidden, false},
		{CodeNotFound, false},
		{CodeClientError, false},
		{CodeConflict, false},
		{CodeOffline, false},
		{CodeUnavailable, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.retryable, Retryable(New(tt.code, "x")), "code %s", tt.code)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Code
	}{
		{200, ""},
		{401, CodeUnauthorized},
		{403, CodeForbidden},
		{404, CodeNotFound},
		{408, CodeTimeout},
		{409, CodeConflict},
		{422, CodeClientError},
		{429, CodeRateLimited},
		{500, CodeServerError},
		{503, CodeServerError},
	}

	for _, tt := range tests {
		err := FromStatus(tt.status, "response")
		if tt.want == "" {
			assert.Nil(t, err, "status %d", tt.status)
			continue
		}
		require.NotNil(t, err, "status %d", tt.status)
		assert.Equal(t, tt.want, err.Code, "status %d", tt.status)
	}
}
