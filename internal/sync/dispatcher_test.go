package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/model"
)

func testBatch(n int) model.Batch {
	b := model.Batch{Source: "beeper", Scope: model.Scope{ID: "chat-1", Name: "Chat"}}
	for i := 0; i < n; i++ {
		b.Messages = append(b.Messages, model.Message{ID: "m" + string(rune('a'+i)), RoomID: "chat-1"})
	}
	return b
}

func TestDispatcherContainsPanicsAndErrors(t *testing.T) {
	d := NewDispatcher(context.Background(), zerolog.Nop())

	var delivered atomic.Int32
	d.Handle("panics", func(ctx context.Context, b model.Batch) error {
		panic("boom")
	})
	d.Handle("fails", func(ctx context.Context, b model.Batch) error {
		return errors.New("downstream unavailable")
	})
	d.Handle("counts", func(ctx context.Context, b model.Batch) error {
		delivered.Add(int32(len(b.Messages)))
		return nil
	})

	d.Dispatch(testBatch(2))
	d.Dispatch(testBatch(3))

	if !d.Wait(time.Second) {
		t.Fatal("handlers did not finish")
	}
	if got := delivered.Load(); got != 5 {
		t.Errorf("expected 5 delivered messages, got %d", got)
	}
}

func TestDispatcherIgnoresEmptyBatch(t *testing.T) {
	d := NewDispatcher(context.Background(), zerolog.Nop())

	var calls atomic.Int32
	d.Handle("counts", func(ctx context.Context, b model.Batch) error {
		calls.Add(1)
		return nil
	})

	d.Dispatch(testBatch(0))
	d.Wait(time.Second)

	if calls.Load() != 0 {
		t.Errorf("expected no handler calls for empty batch, got %d", calls.Load())
	}
}

func TestDispatcherDoesNotBlockCaller(t *testing.T) {
	d := NewDispatcher(context.Background(), zerolog.Nop())

	release := make(chan struct{})
	d.Handle("slow", func(ctx context.Context, b model.Batch) error {
		<-release
		return nil
	})

	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Dispatch(testBatch(1))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Dispatch blocked for %s", elapsed)
	}

	if d.Wait(20 * time.Millisecond) {
		t.Error("expected Wait to time out while handler is blocked")
	}
	close(release)
	if !d.Wait(time.Second) {
		t.Error("expected handlers to finish after release")
	}
}
