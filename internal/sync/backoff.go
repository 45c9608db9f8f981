package sync

import (
	"context"
	"time"
)

const (
	defaultBackoffFloor   = 1 * time.Second
	defaultBackoffCeiling = 300 * time.Second
)

// Backoff is a capped exponential delay: it starts at the floor, doubles
// on each consecutive failure, and never exceeds the ceiling.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	next    time.Duration
}

// NewBackoff creates a Backoff. Non-positive bounds fall back to 1s and
// 300s; a ceiling below the floor is raised to the floor.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = defaultBackoffFloor
	}
	if ceiling <= 0 {
		ceiling = defaultBackoffCeiling
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, next: floor}
}

// Next returns the delay for the current failure and doubles the delay
// for the one after. A positive hint from the source (Retry-After) is
// used instead when larger; the result is always capped at the ceiling.
func (b *Backoff) Next(hint time.Duration) time.Duration {
	d := b.next
	if hint > d {
		d = hint
	}
	if d > b.ceiling {
		d = b.ceiling
	}

	b.next *= 2
	if b.next > b.ceiling {
		b.next = b.ceiling
	}
	return d
}

// Reset returns the delay to the floor after a successful cycle.
func (b *Backoff) Reset() {
	b.next = b.floor
}

// Ceiling returns the maximum delay.
func (b *Backoff) Ceiling() time.Duration {
	return b.ceiling
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

// sleepCtx is the default sleepFunc.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
