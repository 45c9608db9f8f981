package sync

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)

	want := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	for i, w := range want {
		if got := b.Next(0); got != w*time.Second {
			t.Errorf("failure %d: expected %s, got %s", i+1, w*time.Second, got)
		}
	}
}

func TestBackoffNonDecreasingAndBounded(t *testing.T) {
	ceiling := 300 * time.Second
	b := NewBackoff(time.Second, ceiling)

	var prev time.Duration
	for i := 0; i < 50; i++ {
		d := b.Next(0)
		if d < prev {
			t.Fatalf("failure %d: delay decreased from %s to %s", i+1, prev, d)
		}
		if d > ceiling {
			t.Fatalf("failure %d: delay %s exceeds ceiling", i+1, d)
		}
		prev = d
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	b.Next(0)
	b.Next(0)
	b.Reset()
	if got := b.Next(0); got != time.Second {
		t.Errorf("expected floor after reset, got %s", got)
	}
}

func TestBackoffHonorsHintWithinCeiling(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)

	if got := b.Next(7 * time.Second); got != 7*time.Second {
		t.Errorf("expected retry hint 7s, got %s", got)
	}
	if got := b.Next(time.Hour); got != time.Minute {
		t.Errorf("expected hint capped at ceiling, got %s", got)
	}
}

func TestNewBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.floor != time.Second || b.ceiling != 300*time.Second {
		t.Errorf("unexpected defaults floor=%s ceiling=%s", b.floor, b.ceiling)
	}

	b = NewBackoff(10*time.Second, time.Second)
	if b.Ceiling() != 10*time.Second {
		t.Errorf("expected ceiling raised to floor, got %s", b.Ceiling())
	}
}

func TestSleepCtxCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); err == nil {
		t.Error("expected context error")
	}
}
