// Package scheduler paces upstream traffic.
//
// Pending identifiers are split into fixed-size batches. Every upstream call
// waits on a shared token bucket, and a longer cooldown separates batches.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Chunk splits pending into batches of size, preserving order.
// A size of zero or less yields a single batch. An empty input yields none.
func Chunk(pending []string, size int) [][]string {
	if len(pending) == 0 {
		return nil
	}
	if size <= 0 || size >= len(pending) {
		return [][]string{pending}
	}
	batches := make([][]string, 0, (len(pending)+size-1)/size)
	for start := 0; start < len(pending); start += size {
		end := min(start+size, len(pending))
		batches = append(batches, pending[start:end:end])
	}
	return batches
}

// Config configures pacing.
type Config struct {
	// CallDelay is the minimum spacing between upstream calls.
	// Ignored when RequestsPerSecond is set.
	// Default: 1.5s
	CallDelay time.Duration

	// RequestsPerSecond sets the token bucket rate directly.
	// Zero derives the rate from CallDelay.
	RequestsPerSecond float64

	// Cooldown is the pause between batches.
	// Default: 30s
	Cooldown time.Duration

	// Sleep waits for d or until ctx is done. Tests inject a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the default pacing configuration.
func DefaultConfig() Config {
	return Config{
		CallDelay: 1500 * time.Millisecond,
		Cooldown:  30 * time.Second,
	}
}

// Pacer gates upstream calls and batch boundaries.
//
// A Pacer is safe for concurrent use; all workers share one token bucket so
// call rate is independent of worker count.
type Pacer struct {
	limiter  *rate.Limiter
	cooldown time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a pacer. A zero CallDelay and zero RequestsPerSecond
// disables call pacing.
func NewPacer(cfg Config) *Pacer {
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	limit := rate.Inf
	switch {
	case cfg.RequestsPerSecond > 0:
		limit = rate.Limit(cfg.RequestsPerSecond)
	case cfg.CallDelay > 0:
		limit = rate.Every(cfg.CallDelay)
	}

	return &Pacer{
		limiter:  rate.NewLimiter(limit, 1),
		cooldown: cfg.Cooldown,
		sleep:    cfg.Sleep,
	}
}

// Wait blocks until the next upstream call may start.
// It must be called before every call, including the last one of a batch.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Cooldown pauses after batch index (0-based) of total batches.
// It is a no-op after the last batch.
func (p *Pacer) Cooldown(ctx context.Context, index, total int) error {
	if index >= total-1 || p.cooldown <= 0 {
		return nil
	}
	return p.sleep(ctx, p.cooldown)
}

// CooldownDuration returns the configured inter-batch pause.
func (p *Pacer) CooldownDuration() time.Duration {
	return p.cooldown
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
