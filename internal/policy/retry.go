package policy

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/zombor/receipt-ledger/internal/expense"
)

// Retry configures bounded retries with exponential backoff. Each attempt
// runs under its own AttemptTimeout.
type Retry struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64 // 0.0 to 1.0, fraction of delay to randomize
	AttemptTimeout time.Duration
}

// DefaultOCRRetry is tuned for a local or hosted OCR engine.
var DefaultOCRRetry = Retry{
	MaxAttempts:    3,
	InitialDelay:   500 * time.Millisecond,
	MaxDelay:       5 * time.Second,
	BackoffFactor:  2.0,
	JitterFraction: 0.2,
	AttemptTimeout: 30 * time.Second,
}

// DefaultGenerationRetry is tuned for hosted LLM transient errors.
var DefaultGenerationRetry = Retry{
	MaxAttempts:    2,
	InitialDelay:   1 * time.Second,
	MaxDelay:       10 * time.Second,
	BackoffFactor:  2.0,
	JitterFraction: 0.2,
	AttemptTimeout: 45 * time.Second,
}

// DefaultGeocodeRetry keeps geocoding short, it is never on the critical path.
var DefaultGeocodeRetry = Retry{
	MaxAttempts:    2,
	InitialDelay:   250 * time.Millisecond,
	MaxDelay:       1 * time.Second,
	BackoffFactor:  2.0,
	AttemptTimeout: 5 * time.Second,
}

func (r Retry) attempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// delay returns the pause before attempt n+1, jitter excluded.
func (r Retry) delay(n int) time.Duration {
	d := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(n))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	return time.Duration(d)
}

// Budget is the worst-case wall time of a Do call under this policy.
func (r Retry) Budget() time.Duration {
	var total time.Duration
	for n := 0; n < r.attempts(); n++ {
		total += r.AttemptTimeout
		if n < r.attempts()-1 {
			total += time.Duration(float64(r.delay(n)) * (1 + r.JitterFraction))
		}
	}
	return total
}

// Do runs fn until it succeeds, returns a non-transient error, the parent
// context ends, or attempts run out. The last error is returned as is.
func Do[T any](ctx context.Context, r Retry, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for n := 0; n < r.attempts(); n++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := attempt(ctx, r.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// The parent context ending is never retried
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !expense.IsTransient(err) {
			return zero, err
		}
		if n == r.attempts()-1 {
			break
		}

		delay := float64(r.delay(n))
		if r.JitterFraction > 0 {
			delay += delay * r.JitterFraction * (rand.Float64()*2 - 1)
			if delay < 0 {
				delay = float64(r.InitialDelay)
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(time.Duration(delay)):
		}
	}

	return zero, lastErr
}

func attempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
