package adapter

import (
	"context"
	"time"
)

// RetryPolicy defines retry and backoff behavior for transient errors.
type RetryPolicy struct {
	MaxRetries    int
	BaseBackoffMs int
	MaxBackoffMs  int
}

type retryingAdapter struct {
	Adapter
	policy RetryPolicy
}

// WithRetry wraps a so transient failures are retried with exponential
// backoff. A policy without retries returns a unchanged.
func WithRetry(a Adapter, policy RetryPolicy) Adapter {
	if a == nil || policy.MaxRetries <= 0 {
		return a
	}
	if policy.BaseBackoffMs <= 0 {
		policy.BaseBackoffMs = 200
	}
	if policy.MaxBackoffMs < policy.BaseBackoffMs {
		policy.MaxBackoffMs = policy.BaseBackoffMs
	}
	return &retryingAdapter{Adapter: a, policy: policy}
}

func (r *retryingAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		resp, err := r.Adapter.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.policy.MaxRetries {
			break
		}

		backoff := computeBackoff(r.policy.BaseBackoffMs, r.policy.MaxBackoffMs, attempt)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	limit := time.Duration(maxMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
