package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/credential"
	"github.com/nhle/vibez-sync/internal/events"
	"github.com/nhle/vibez-sync/internal/keys"
	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/server"
	"github.com/nhle/vibez-sync/internal/store"
	appsync "github.com/nhle/vibez-sync/internal/sync"
	"github.com/nhle/vibez-sync/internal/ui/status"
)

const (
	shutdownTimeout = 10 * time.Second
	flushTimeout    = 3 * time.Second
)

// App wires the store, orchestrator, event sinks, and status server
// together from configuration.
type App struct {
	cfg    *model.AppConfig
	logger zerolog.Logger

	store        *store.SQLiteStore
	orchestrator *appsync.Orchestrator
	publisher    *events.HTTPPublisher
	nats         *events.NATSPublisher
	server       *http.Server

	sources int
}

// Option customizes New.
type Option func(*options)

type options struct {
	secrets Secrets
}

// WithSecrets overrides credential resolution.
func WithSecrets(s Secrets) Option {
	return func(o *options) { o.secrets = s }
}

// New opens the store and registers every configured source. It fails
// when no source could be registered.
func New(ctx context.Context, cfg *model.AppConfig, logger zerolog.Logger, opts ...Option) (*App, error) {
	o := options{secrets: credential.NewResolver()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}

	var notifiers events.Notifiers
	if cfg.Events.Enabled {
		a.publisher = events.NewHTTPPublisher(cfg.Events.URL, logger)
		notifiers = append(notifiers, a.publisher)
	}
	if cfg.Events.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.NATSSubjectPrefix, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS unavailable; continuing without JetStream events")
		} else if err := np.EnsureStream(ctx); err != nil {
			logger.Warn().Err(err).Msg("ensuring JetStream stream failed; continuing without it")
			np.Close()
		} else {
			a.nats = np
			notifiers = append(notifiers, np)
		}
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if len(notifiers) > 0 {
		storeOpts = append(storeOpts, store.WithNotifier(notifiers))
	}
	st, err := store.NewSQLiteStore(cfg.DatabasePath, storeOpts...)
	if err != nil {
		a.closeSinks()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.store = st

	a.orchestrator = appsync.NewOrchestrator(st, appsync.OrchestratorConfig{
		RestartCooldown: time.Duration(cfg.Supervisor.RestartCooldownSec) * time.Second,
	}, logger)

	if a.nats != nil {
		a.orchestrator.OnBatch("nats", a.nats.HandleBatch)
	}
	if cfg.Events.BatchWebhookURL != "" {
		a.orchestrator.OnBatch("webhook", events.NewWebhook(cfg.Events.BatchWebhookURL, 0).HandleBatch)
	}

	a.sources = registerSources(a.orchestrator, cfg, o.secrets, logger)
	if a.sources == 0 {
		a.Close()
		return nil, errors.New("no enabled sources with credentials configured")
	}

	if cfg.Server.Addr != "" {
		a.server = server.New(cfg.Server.Addr, server.NewRouter(logger, a.orchestrator, st))
	}
	return a, nil
}

// OnBatch registers an additional consumer of inserted batches.
func (a *App) OnBatch(name string, fn appsync.BatchHandler) {
	a.orchestrator.OnBatch(name, fn)
}

// Orchestrator returns the running orchestrator.
func (a *App) Orchestrator() *appsync.Orchestrator {
	return a.orchestrator
}

// Run syncs until ctx is cancelled. With tui set it also shows the live
// dashboard and returns when the user quits it.
func (a *App) Run(ctx context.Context, tui bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.server != nil {
		go func() {
			a.logger.Info().Str("addr", a.server.Addr).Msg("status server listening")
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	a.logger.Info().Int("sources", a.sources).Str("database", a.cfg.DatabasePath).Msg("starting sync")

	done := make(chan error, 1)
	go func() { done <- a.orchestrator.Run(ctx) }()

	if tui {
		dashboard := status.New(a.orchestrator, a.store, keys.DefaultKeyMap())
		p := tea.NewProgram(dashboard, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			a.logger.Error().Err(err).Msg("dashboard failed")
		}
		cancel()
	}

	err := <-done
	a.shutdownServer()
	return err
}

func (a *App) shutdownServer() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("status server shutdown")
	}
}

// Close flushes event sinks and closes the store.
func (a *App) Close() error {
	a.closeSinks()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *App) closeSinks() {
	if a.publisher != nil && !a.publisher.Flush(flushTimeout) {
		a.logger.Debug().Msg("event publishes still pending at shutdown")
	}
	if a.nats != nil {
		a.nats.Close()
	}
}
