package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/metrics"
	"github.com/nhle/vibez-sync/internal/model"
)

// BatchHandler consumes one batch of newly inserted messages. Errors and
// panics are logged; they never reach the supervisor.
type BatchHandler func(ctx context.Context, batch model.Batch) error

type namedHandler struct {
	name string
	fn   BatchHandler
}

// Dispatcher hands inserted batches to every registered handler on its
// own goroutine, so a slow consumer never delays the next poll.
type Dispatcher struct {
	ctx    context.Context
	logger zerolog.Logger

	mu       gosync.RWMutex
	handlers []namedHandler
	wg       gosync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Handlers run with ctx, which
// should outlive the supervisors so in-flight batches can finish.
func NewDispatcher(ctx context.Context, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:    ctx,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Handle registers a handler under name.
func (d *Dispatcher) Handle(name string, fn BatchHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, namedHandler{name: name, fn: fn})
}

// Dispatch starts every handler for batch and returns immediately. Empty
// batches are ignored.
func (d *Dispatcher) Dispatch(batch model.Batch) {
	if len(batch.Messages) == 0 {
		return
	}

	d.mu.RLock()
	handlers := make([]namedHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	metrics.BatchesDispatched.WithLabelValues(batch.Source).Inc()

	for _, h := range handlers {
		d.wg.Add(1)
		go d.run(h, batch)
	}
}

func (d *Dispatcher) run(h namedHandler, batch model.Batch) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.ConsumerErrors.WithLabelValues(h.name).Inc()
			d.logger.Error().
				Str("consumer", h.name).
				Str("source", batch.Source).
				Str("panic", fmt.Sprint(r)).
				Msg("batch consumer panicked")
		}
	}()

	if err := h.fn(d.ctx, batch); err != nil {
		metrics.ConsumerErrors.WithLabelValues(h.name).Inc()
		d.logger.Error().Err(err).
			Str("consumer", h.name).
			Str("source", batch.Source).
			Int("messages", len(batch.Messages)).
			Msg("batch consumer failed")
	}
}

// Wait blocks until in-flight handlers finish or timeout elapses. It
// reports whether all handlers finished.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
