package policy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/zombor/receipt-ledger/internal/expense"
)

// Limiter caps concurrent external calls across the process and optionally
// paces them to a per-minute rate. A nil *Limiter admits everything.
type Limiter struct {
	sem  *semaphore.Weighted
	pace *rate.Limiter
}

// NewLimiter creates a Limiter allowing maxConcurrent calls in flight and
// perMinute calls per minute. Zero disables the corresponding limit.
func NewLimiter(maxConcurrent int, perMinute int) *Limiter {
	l := &Limiter{}
	if maxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if perMinute > 0 {
		l.pace = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return l
}

// Acquire blocks until a call may start. The returned release func must be
// called once the call finishes.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if l.pace != nil {
		if err := l.pace.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting for rate limit: %w", ctx.Err())
			}
			// The next token lies past the deadline
			return nil, expense.Transient("rate limit", err)
		}
	}
	if l.sem == nil {
		return func() {}, nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for call slot: %w", err)
	}
	return func() { l.sem.Release(1) }, nil
}

// Call runs fn while holding a slot.
func Call[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	release, err := l.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return fn(ctx)
}
