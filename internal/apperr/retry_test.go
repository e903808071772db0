package apperr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function that fails twice then succeeds
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	// Then: the retry loop absorbs the failures
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsBudgetAndClassifiesUnavailable(t *testing.T) {
	// Given: a function that always fails
	calls := 0
	cause := errors.New("connection refused")
	err := Retry(context.Background(), fastRetryConfig(2), func() error {
		calls++
		return cause
	})

	// Then: initial attempt + 2 retries, classified as unavailable
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.True(t, errors.Is(err, cause))
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetryConfig(5), func() error {
		calls++
		return errors.New("should not matter")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(3), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestRetryWithResult_ReturnsZeroValueOnFailure(t *testing.T) {
	got, err := RetryWithResult(context.Background(), fastRetryConfig(1), func() (string, error) {
		return "partial", errors.New("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, "", got)
}
