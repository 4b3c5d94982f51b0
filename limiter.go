package showrun

import "context"

// Limiter gates cross-run concurrency with a bounded token bucket.
// Execute acquires a permit, runs fn to completion, and releases the permit
// regardless of outcome. Waiting is FIFO-ish (channel order) but only
// mutual exclusion is guaranteed.
type Limiter struct {
	sem chan struct{}
}

// NewLimiter creates a limiter allowing n concurrent executions. n < 1 is
// treated as 1.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: make(chan struct{}, n)}
}

// Execute runs fn under a permit. If ctx is cancelled before a permit is
// available, fn never runs and ctx.Err() is returned.
func (l *Limiter) Execute(ctx context.Context, fn func() error) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	return fn()
}
