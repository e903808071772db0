package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("connection refused")

	// When: wrapping with Error
	err := Unavailable("qdrant unreachable", originalErr)

	// Then: unwrapping returns the original error
	require.NotNil(t, err)
	assert.Equal(t, originalErr, errors.Unwrap(err))
	assert.True(t, errors.Is(err, originalErr))
}

func TestError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "without cause",
			err:      NotFound("memory 42 not found", nil),
			expected: "not_found: memory 42 not found",
		},
		{
			name:     "with cause",
			err:      Internal("snapshot failed", errors.New("disk full")),
			expected: "internal: snapshot failed: disk full",
		},
		{
			name:     "invalid argument",
			err:      InvalidArgument("vector dimension mismatch", nil),
			expected: "invalid_argument: vector dimension mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_Is_MatchesByKind(t *testing.T) {
	// Given: two errors with the same kind
	err1 := NotFound("memory 1 not found", nil)
	err2 := NotFound("memory 2 not found", nil)

	// Then: they match by kind
	assert.True(t, errors.Is(err1, err2))

	// And: different kinds don't match
	assert.False(t, errors.Is(err1, InvalidArgument("bad", nil)))
}

func TestError_Is_MatchesThroughWrapping(t *testing.T) {
	// Given: an app error wrapped by fmt.Errorf
	inner := FailedPrecondition("index count mismatch", nil)
	wrapped := fmt.Errorf("verify: %w", inner)

	// Then: kind extraction sees through the wrapping
	assert.Equal(t, KindFailedPrecondition, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindFailedPrecondition))
}

func TestError_WithDetail_AddsContext(t *testing.T) {
	err := NotFound("memory not found", nil).
		WithDetail("id", "42").
		WithDetail("source", "chat")

	assert.Equal(t, "42", err.Details["id"])
	assert.Equal(t, "chat", err.Details["source"])
}

func TestResourceExhausted_CarriesRetryAfter(t *testing.T) {
	err := ResourceExhausted("extraction queue full", 7)

	assert.Equal(t, KindResourceExhausted, err.Kind)
	assert.Equal(t, 7, err.RetryAfter)
	assert.True(t, IsRetryable(err))
}

func TestHTTPStatus_MapsKindsToCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NotFound("x", nil), http.StatusNotFound},
		{"invalid argument", InvalidArgument("x", nil), http.StatusBadRequest},
		{"failed precondition", FailedPrecondition("x", nil), http.StatusConflict},
		{"resource exhausted", ResourceExhausted("x", 1), http.StatusTooManyRequests},
		{"unavailable", Unavailable("x", nil), http.StatusServiceUnavailable},
		{"internal", Internal("x", nil), http.StatusInternalServerError},
		{"plain error", errors.New("x"), http.StatusInternalServerError},
		{"wrapped app error", fmt.Errorf("op: %w", NotFound("x", nil)), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestClientMessage_HidesInternalDetail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "4xx keeps message",
			err:  NotFound("memory 42 not found", nil),
			want: "memory 42 not found",
		},
		{
			name: "internal is sanitized",
			err:  Internal("sqlite: database is locked at /data/usage.db", nil),
			want: "internal error",
		},
		{
			name: "unavailable is sanitized",
			err:  Unavailable("dial tcp 10.0.0.4:6333: i/o timeout", nil),
			want: "service unavailable",
		},
		{
			name: "plain error is sanitized",
			err:  errors.New("panic in worker"),
			want: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClientMessage(tt.err))
		})
	}
}

func TestIsRetryable_ChecksKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"unavailable", Unavailable("timeout", nil), true},
		{"resource exhausted", ResourceExhausted("queue full", 2), true},
		{"not found", NotFound("gone", nil), false},
		{"standard error", errors.New("boom"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}
