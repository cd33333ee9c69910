// Package clock holds context-aware timing helpers shared by the registration
// phases.
package clock

import (
	"context"
	"time"
)

// SleepFunc matches Sleep so callers can substitute it in tests.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d or until ctx is done, whichever comes first. A
// non-positive d returns ctx.Err() immediately.
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

// Backoff returns base doubled once per prior retry. retry is zero-based.
func Backoff(base time.Duration, retry int) time.Duration {
	if base <= 0 || retry <= 0 {
		return base
	}
	if retry > 16 {
		retry = 16
	}
	return base << retry
}
