package llm

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter bounds model calls by request rate and concurrency.
type Limiter struct {
	requests  *rate.Limiter
	semaphore chan struct{}
}

// NewLimiter allows requestsPerMinute calls with at most maxConcurrent in
// flight. Non-positive values disable the respective bound.
func NewLimiter(requestsPerMinute float64, maxConcurrent int) *Limiter {
	l := &Limiter{}
	if requestsPerMinute > 0 {
		burst := int(math.Max(1, math.Ceil(requestsPerMinute/60)))
		l.requests = rate.NewLimiter(rate.Limit(requestsPerMinute/60), burst)
	}
	if maxConcurrent > 0 {
		l.semaphore = make(chan struct{}, maxConcurrent)
	}
	return l
}

// Acquire waits for capacity and returns the release function.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if l.semaphore == nil {
		return func() {}, nil
	}
	select {
	case l.semaphore <- struct{}{}:
		return func() { <-l.semaphore }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
