package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/metrics"
	"github.com/nhle/vibez-sync/internal/source"
)

const (
	defaultRestartCooldown = 30 * time.Second
	defaultDrainTimeout    = 10 * time.Second
)

// AdapterFactory builds a fresh adapter for one supervisor run.
type AdapterFactory func() (source.Adapter, error)

type registration struct {
	key     string
	typ     string
	factory AdapterFactory
	cfg     SupervisorConfig
}

// OrchestratorConfig holds orchestrator-wide timings.
type OrchestratorConfig struct {
	// RestartCooldown is the wait before a stopped or crashed supervisor
	// is started again.
	RestartCooldown time.Duration

	// DrainTimeout bounds how long Run waits for in-flight consumers on
	// shutdown.
	DrainTimeout time.Duration
}

// Orchestrator runs one supervisor per registered source, restarts any
// that stop or crash, and fans inserted batches out to consumers.
type Orchestrator struct {
	store   Store
	cfg     OrchestratorConfig
	logger  zerolog.Logger
	sleep   sleepFunc
	tracker *tracker

	mu      gosync.Mutex
	sources []registration
	pending []namedHandler
	running *Dispatcher
}

// NewOrchestrator creates an orchestrator persisting into st.
func NewOrchestrator(st Store, cfg OrchestratorConfig, logger zerolog.Logger) *Orchestrator {
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = defaultRestartCooldown
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &Orchestrator{
		store:   st,
		cfg:     cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		sleep:   sleepCtx,
		tracker: newTracker(),
	}
}

// Register adds a source. It must be called before Run.
func (o *Orchestrator) Register(key, typ string, factory AdapterFactory, cfg SupervisorConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources = append(o.sources, registration{key: key, typ: typ, factory: factory, cfg: cfg})
	o.tracker.register(key, typ)
}

// OnBatch registers a consumer for inserted batches. It must be called
// before Run.
func (o *Orchestrator) OnBatch(name string, fn BatchHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, namedHandler{name: name, fn: fn})
}

// Run starts every registered source and blocks until ctx is cancelled.
// Consumers keep running on a separate context until they drain or the
// drain timeout elapses.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	sources := make([]registration, len(o.sources))
	copy(sources, o.sources)

	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()
	dispatcher := NewDispatcher(dispatchCtx, o.logger)
	for _, h := range o.pending {
		dispatcher.Handle(h.name, h.fn)
	}
	o.running = dispatcher
	o.mu.Unlock()

	if len(sources) == 0 {
		return fmt.Errorf("no sources registered")
	}

	var wg gosync.WaitGroup
	for _, reg := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.supervise(ctx, reg, dispatcher)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	if !dispatcher.Wait(o.cfg.DrainTimeout) {
		o.logger.Warn().Dur("timeout", o.cfg.DrainTimeout).Msg("consumers still running at shutdown")
	}
	o.logger.Info().Msg("orchestrator stopped")
	return nil
}

// supervise runs reg's supervisor until ctx is done, restarting it after
// a cooldown whenever it returns or panics.
func (o *Orchestrator) supervise(ctx context.Context, reg registration, sink BatchSink) {
	logger := o.logger.With().Str("source", reg.key).Logger()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.SupervisorRestarts.WithLabelValues(reg.key).Inc()
			o.tracker.update(reg.key, func(st *Status) { st.Restarts = attempt })
			logger.Info().Int("restart", attempt).Msg("restarting supervisor")
		}

		err := o.runOnce(ctx, reg, sink)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error().Err(err).Dur("cooldown", o.cfg.RestartCooldown).Msg("supervisor exited")
		}

		if err := o.sleep(ctx, o.cfg.RestartCooldown); err != nil {
			return
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, reg registration, sink BatchSink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor panic: %v", r)
			o.tracker.update(reg.key, func(st *Status) {
				st.State = StateStopped
				st.LastError = err.Error()
			})
		}
	}()

	adapter, err := reg.factory()
	if err != nil {
		o.tracker.setState(reg.key, StateStopped, err)
		return fmt.Errorf("building adapter: %w", err)
	}

	sup := NewSupervisor(adapter, o.store, sink, reg.cfg, o.logger, withTracker(o.tracker))
	return sup.Run(ctx)
}

// Statuses returns a snapshot of every source's status in registration
// order.
func (o *Orchestrator) Statuses() []Status {
	return o.tracker.snapshot()
}

// WaitForStatus returns a tea.Cmd that waits for the next status change.
func (o *Orchestrator) WaitForStatus() tea.Cmd {
	return o.tracker.waitForStatus()
}
