// Package retry implements bounded exponential backoff for upstream fetches.
//
// The controller is the only place in gamesync that retries anything. Each
// attempt returns a typed result and an error; the controller inspects the
// error kind to decide between another attempt and a permanent skip.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/3leaps/gamesync/pkg/upstream"
)

// ErrExhausted is reported when every attempt failed with a retryable error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy configures the controller.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 5
	MaxAttempts int

	// Base is the exponential base. The wait after failed attempt k
	// (1-indexed) is Unit * Base^k.
	// Default: 2
	Base float64

	// Unit is the time unit the backoff is expressed in.
	// Default: 1s
	Unit time.Duration

	// MaxWait caps a single wait. Zero means uncapped.
	MaxWait time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Default: upstream.IsRetryable
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Tests inject a recorder.
	// Default: a timer-based sleep honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy returns the default policy (5 attempts, 2s, 4s, 8s, 16s).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        2,
		Unit:        time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Unit <= 0 {
		p.Unit = d.Unit
	}
	if p.Retryable == nil {
		p.Retryable = upstream.IsRetryable
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	return p
}

// Backoff returns the wait that follows failed attempt k (1-indexed).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	wait := time.Duration(float64(p.Unit) * math.Pow(p.Base, float64(attempt)))
	if p.MaxWait > 0 && wait > p.MaxWait {
		wait = p.MaxWait
	}
	return wait
}

// Schedule returns the waits between consecutive attempts, in order.
// It has MaxAttempts-1 entries.
func (p Policy) Schedule() []time.Duration {
	p = p.withDefaults()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for k := 1; k < p.MaxAttempts; k++ {
		out = append(out, p.Backoff(k))
	}
	return out
}

// Outcome describes how a retried operation ended.
type Outcome struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Err is nil on success. On failure it wraps the last attempt's error,
	// and ErrExhausted when every attempt was retryable.
	Err error

	// Permanent is true when the last error was not retryable.
	Permanent bool
}

// OK reports whether the operation succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Exhausted reports whether the operation failed after using every attempt.
func (o Outcome) Exhausted() bool { return errors.Is(o.Err, ErrExhausted) }

// Do runs op until it succeeds, fails permanently, or attempts run out.
//
// op receives the 1-indexed attempt number. There is no wait after the final
// attempt. Cancellation of ctx aborts the current wait and ends the loop with
// ctx.Err().
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, Outcome) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, Outcome{Attempts: attempt - 1, Err: err}
		}

		v, err := op(ctx, attempt)
		if err == nil {
			return v, Outcome{Attempts: attempt}
		}
		lastErr = err

		if !p.Retryable(err) {
			return zero, Outcome{Attempts: attempt, Err: err, Permanent: true}
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := p.Sleep(ctx, wait); err != nil {
			return zero, Outcome{Attempts: attempt, Err: err}
		}
	}

	return zero, Outcome{
		Attempts: p.MaxAttempts,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr),
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
