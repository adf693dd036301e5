package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zerogate/gateway/pkg/retry"
)

var assertErr = errors.New("upstream failure")

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestExecutor_SucceedsOnFirstAttempt(t *testing.T) {
	exec := retry.New(fastPolicy(), retry.DefaultIdempotent)
	calls := 0

	outcome, err := exec.Do(context.Background(), "serpapi", "search", func(context.Context) (retry.Outcome, error) {
		calls++
		return retry.OutcomeSuccess, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, retry.OutcomeSuccess, outcome)
	assert.Equal(t, 1, calls)
}

func TestExecutor_RetriesRetryableOutcome(t *testing.T) {
	exec := retry.New(fastPolicy(), retry.DefaultIdempotent)
	calls := 0

	outcome, _ := exec.Do(context.Background(), "serpapi", "search", func(context.Context) (retry.Outcome, error) {
		calls++
		if calls < 3 {
			return retry.OutcomeTimeout, assertErr
		}
		return retry.OutcomeSuccess, nil
	})

	assert.Equal(t, retry.OutcomeSuccess, outcome)
	assert.Equal(t, 3, calls)
}

func TestExecutor_NeverRetriesGmailSend(t *testing.T) {
	exec := retry.New(fastPolicy(), retry.DefaultIdempotent)
	calls := 0

	outcome, _ := exec.Do(context.Background(), "gmail_send", "send", func(context.Context) (retry.Outcome, error) {
		calls++
		return retry.OutcomeTimeout, assertErr
	})

	assert.Equal(t, retry.OutcomeTimeout, outcome)
	assert.Equal(t, 1, calls)
}

func TestExecutor_NonRetryableOutcomeStopsImmediately(t *testing.T) {
	exec := retry.New(fastPolicy(), retry.DefaultIdempotent)
	calls := 0

	outcome, _ := exec.Do(context.Background(), "serpapi", "search", func(context.Context) (retry.Outcome, error) {
		calls++
		return retry.OutcomeNonRetryable, assertErr
	})

	assert.Equal(t, retry.OutcomeNonRetryable, outcome)
	assert.Equal(t, 1, calls)
}

func TestExecutor_GivesUpAfterMaxAttempts(t *testing.T) {
	exec := retry.New(fastPolicy(), retry.DefaultIdempotent)
	calls := 0

	outcome, err := exec.Do(context.Background(), "serpapi", "search", func(context.Context) (retry.Outcome, error) {
		calls++
		return retry.OutcomeServerError, assertErr
	})

	assert.Equal(t, retry.OutcomeServerError, outcome)
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutor_StopsBeforeExceedingDeadline(t *testing.T) {
	exec := retry.New(retry.Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}, retry.DefaultIdempotent)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	calls := 0
	_, _ = exec.Do(ctx, "serpapi", "search", func(context.Context) (retry.Outcome, error) {
		calls++
		return retry.OutcomeTimeout, assertErr
	})

	assert.Less(t, calls, 5)
}
