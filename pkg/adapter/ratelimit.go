package adapter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimitedAdapter struct {
	Adapter
	limiter *rate.Limiter
}

// WithRateLimit caps the request rate of a. Non-positive rates disable the
// limit.
func WithRateLimit(a Adapter, requestsPerSecond float64, burst int) Adapter {
	if a == nil || requestsPerSecond <= 0 {
		return a
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedAdapter{
		Adapter: a,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (r *rateLimitedAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", r.Name(), err)
	}
	return r.Adapter.Generate(ctx, req)
}
