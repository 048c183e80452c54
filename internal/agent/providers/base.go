package providers

import (
	"context"
	"time"

	"github.com/tasker-core/core/internal/backoff"
)

// BaseProvider holds shared retry configuration for LLM providers. Unlike the
// run loop's own retries of rate-limited calls (internal/backoff.RetryWithBackoff
// bounded by runloop's maxRateLimitRetries), this governs retries of a single provider API call
// within Complete, before the failure ever reaches the run loop.
type BaseProvider struct {
	name        string
	policy      backoff.BackoffPolicy
	maxAttempts int
}

// NewBaseProvider creates a base provider with an exponential-backoff retry
// policy. maxRetries <= 0 defaults to 3 attempts.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	policy := backoff.DefaultPolicy()
	if retryDelay > 0 {
		policy.InitialMs = float64(retryDelay.Milliseconds())
	}
	return BaseProvider{
		name:        name,
		policy:      policy,
		maxAttempts: maxRetries,
	}
}

// Retry executes op with exponential backoff and jitter, stopping as soon as
// isRetryable reports the error is not worth retrying.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= b.maxAttempts {
			break
		}
		if err := backoff.SleepWithBackoff(ctx, b.policy, attempt); err != nil {
			return err
		}
	}
	return lastErr
}
