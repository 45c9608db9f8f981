package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/metrics"
	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source"
	"github.com/nhle/vibez-sync/internal/store"
)

// defaultFetchTimeout is the maximum time allowed for a single fetch
// operation, on top of any server-side long-poll timeout.
const defaultFetchTimeout = 30 * time.Second

// Store is the persistence a supervisor needs.
type Store interface {
	store.CursorStore
	store.MessageStore
	SaveActiveScopes(ctx context.Context, source string, scopes []model.Scope) error
}

// BatchSink receives batches of newly inserted messages. Dispatch must
// not block.
type BatchSink interface {
	Dispatch(batch model.Batch)
}

// longPoller is implemented by adapters whose fetch blocks server-side.
type longPoller interface {
	PollTimeout() time.Duration
}

// SupervisorConfig holds one supervisor's timings.
type SupervisorConfig struct {
	PollInterval   time.Duration
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	FetchTimeout   time.Duration
}

// Supervisor drives one adapter through discovery and then repeated
// poll cycles: fetch, normalize, persist, advance cursor, dispatch.
// Failures are contained per scope. Auth failures stop the supervisor;
// anything else backs off and retries.
type Supervisor struct {
	adapter source.Adapter
	store   Store
	sink    BatchSink
	cfg     SupervisorConfig
	logger  zerolog.Logger
	sleep   sleepFunc
	tracker *tracker

	backoff *Backoff
	scopes  []model.Scope
	watched []model.Scope
}

// SupervisorOption customizes a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSleep replaces the function used to wait between cycles.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SupervisorOption {
	return func(s *Supervisor) { s.sleep = fn }
}

func withTracker(t *tracker) SupervisorOption {
	return func(s *Supervisor) { s.tracker = t }
}

// NewSupervisor creates a supervisor for adapter.
func NewSupervisor(
	adapter source.Adapter,
	st Store,
	sink BatchSink,
	cfg SupervisorConfig,
	logger zerolog.Logger,
	opts ...SupervisorOption,
) *Supervisor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	s := &Supervisor{
		adapter: adapter,
		store:   st,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With().Str("source", adapter.Key()).Logger(),
		sleep:   sleepCtx,
		backoff: NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = newTracker()
	}
	return s
}

// Run discovers scopes, seeds cursors for new ones, and polls until ctx
// is cancelled or the source rejects its credentials. It returns
// ctx.Err() on cancellation and a non-nil error on any other stop.
func (s *Supervisor) Run(ctx context.Context) error {
	key := s.adapter.Key()

	s.tracker.setState(key, StateDiscovering, nil)
	if err := s.discover(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.stop(err)
		return fmt.Errorf("discovering %s: %w", key, err)
	}

	for {
		s.tracker.setState(key, StatePolling, nil)
		errs := s.Cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.refreshWatched(ctx)

		var delay time.Duration
		if len(errs) == 0 {
			s.backoff.Reset()
			delay = s.cfg.PollInterval
			s.tracker.update(key, func(st *Status) {
				st.Failures = 0
				st.Backoff = 0
				st.LastError = ""
			})
		} else {
			if authErr := firstAuthError(errs); authErr != nil {
				s.stop(authErr)
				return fmt.Errorf("supervisor stopped: %w", authErr)
			}

			hint, _ := source.RetryAfter(errors.Join(errs...))
			delay = s.backoff.Next(hint)
			metrics.BackoffSeconds.WithLabelValues(key).Set(delay.Seconds())
			s.tracker.update(key, func(st *Status) {
				st.State = StateBackoff
				st.Failures++
				st.Backoff = delay
				st.LastError = errors.Join(errs...).Error()
			})
			s.logger.Warn().
				Int("failed_scopes", len(errs)).
				Dur("backoff", delay).
				Msg("poll cycle failed; backing off")
		}

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// discover probes credentials, lists scopes, and seeds cursors for scopes
// that have never been polled.
func (s *Supervisor) discover(ctx context.Context) error {
	if p, ok := s.adapter.(source.Prober); ok {
		if err := p.Probe(ctx); err != nil {
			s.logger.Error().Err(err).Bool("auth", source.IsAuthError(err)).Msg("credential probe failed")
		}
	}

	scopes, err := s.adapter.Discover(ctx)
	if err != nil {
		return err
	}
	s.scopes = scopes
	s.tracker.update(s.adapter.Key(), func(st *Status) { st.Scopes = len(scopes) })
	s.logger.Info().Int("scopes", len(scopes)).Msg("discovery complete")

	s.watched = nil
	s.refreshWatched(ctx)

	for _, scope := range scopes {
		if _, err := s.ensureCursor(ctx, scope); err != nil {
			if source.IsAuthError(err) {
				return err
			}
			s.logger.Warn().Err(err).Str("scope", scope.Name).Msg("seeding cursor failed; will retry")
		}
	}
	return nil
}

// watchedScopes returns the set the adapter reports as monitored.
func (s *Supervisor) watchedScopes() []model.Scope {
	if w, ok := s.adapter.(source.Watcher); ok {
		return w.Watched()
	}
	return s.scopes
}

// refreshWatched persists the watched snapshot when it has changed.
func (s *Supervisor) refreshWatched(ctx context.Context) {
	current := s.watchedScopes()
	if s.watched != nil && sameScopes(current, s.watched) {
		return
	}
	if err := s.store.SaveActiveScopes(ctx, s.adapter.Key(), current); err != nil {
		s.logger.Warn().Err(err).Msg("saving active scopes failed")
		return
	}
	if current == nil {
		current = []model.Scope{}
	}
	s.watched = current
	metrics.WatchedScopes.WithLabelValues(s.adapter.Key()).Set(float64(len(current)))
	s.tracker.update(s.adapter.Key(), func(st *Status) { st.Watched = len(current) })
}

// ensureCursor loads the scope's cursor, seeding it at "now" if absent.
// seeded reports whether this call created the cursor.
func (s *Supervisor) ensureCursor(ctx context.Context, scope model.Scope) (seeded bool, err error) {
	key := s.adapter.CursorKey(scope)
	if _, ok, err := s.store.LoadCursor(ctx, key); err != nil {
		return false, fmt.Errorf("loading cursor %s: %w", key, err)
	} else if ok {
		return false, nil
	}

	fctx, cancel := s.fetchContext(ctx)
	defer cancel()

	cursor, err := s.adapter.Seed(fctx, scope)
	if err != nil {
		return false, err
	}
	if err := s.store.SaveCursor(ctx, key, cursor); err != nil {
		return false, fmt.Errorf("saving seed cursor %s: %w", key, err)
	}
	s.logger.Info().Str("scope", scope.Name).Str("cursor", cursor).Msg("cursor seeded; history not imported")
	return true, nil
}

// Cycle polls every scope once and returns the per-scope errors. One
// scope failing does not prevent the others from being polled.
func (s *Supervisor) Cycle(ctx context.Context) []error {
	var errs []error
	for _, scope := range s.scopes {
		if ctx.Err() != nil {
			break
		}
		if err := s.pollScope(ctx, scope); err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", scope.Name, err))
			s.recordError(scope, err)
		}
	}
	s.tracker.update(s.adapter.Key(), func(st *Status) { st.LastPoll = time.Now() })
	return errs
}

func (s *Supervisor) recordError(scope model.Scope, err error) {
	kind := "transient"
	event := s.logger.Warn()
	switch {
	case source.IsAuthError(err):
		kind = "auth"
		event = s.logger.Error()
		s.tracker.update(s.adapter.Key(), func(st *Status) { st.NeedsReauth = true })
	case isRateLimit(err):
		kind = "rate_limit"
	}
	metrics.FetchErrors.WithLabelValues(s.adapter.Key(), kind).Inc()
	event.Err(err).Str("scope", scope.Name).Str("kind", kind).Msg("scope poll failed")
}

// pollScope runs one fetch-persist-advance step for scope. The cursor is
// only written after the batch is persisted.
func (s *Supervisor) pollScope(ctx context.Context, scope model.Scope) error {
	key := s.adapter.Key()
	start := time.Now()
	defer func() {
		metrics.PollDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())
	}()

	seeded, err := s.ensureCursor(ctx, scope)
	if err != nil {
		return err
	}
	if seeded {
		return nil
	}

	cursorKey := s.adapter.CursorKey(scope)
	cursor, _, err := s.store.LoadCursor(ctx, cursorKey)
	if err != nil {
		return fmt.Errorf("loading cursor %s: %w", cursorKey, err)
	}

	fctx, cancel := s.fetchContext(ctx)
	page, err := s.adapter.Fetch(fctx, scope, cursor)
	cancel()
	if err != nil {
		return err
	}

	tally := source.Collect(s.adapter, page.Items)
	metrics.ItemsFetched.WithLabelValues(key).Add(float64(len(page.Items)))
	metrics.ItemsSkipped.WithLabelValues(key).Add(float64(tally.Skipped))
	metrics.ParseFailures.WithLabelValues(key).Add(float64(len(tally.Failed)))
	for _, pe := range tally.Failed {
		s.logger.Warn().Err(pe).Str("scope", scope.Name).Str("item", pe.NativeID).Msg("skipping unparseable item")
	}

	inserted, err := s.store.SaveBatch(ctx, key, scope.ID, tally.Messages)
	if err != nil {
		return fmt.Errorf("saving batch: %w", err)
	}

	if page.Next != "" && page.Next != cursor {
		if err := s.store.SaveCursor(ctx, cursorKey, page.Next); err != nil {
			return fmt.Errorf("advancing cursor %s: %w", cursorKey, err)
		}
	}

	if len(inserted) > 0 {
		metrics.MessagesInserted.WithLabelValues(key).Add(float64(len(inserted)))
		s.tracker.update(key, func(st *Status) { st.Inserted += int64(len(inserted)) })
		s.logger.Info().
			Str("scope", scope.Name).
			Int("inserted", len(inserted)).
			Int("fetched", len(page.Items)).
			Msg("saved new messages")
		s.sink.Dispatch(model.Batch{Source: key, Scope: scope, Messages: inserted})
	}
	return nil
}

// fetchContext bounds one adapter call, extended by the adapter's
// long-poll timeout when it has one.
func (s *Supervisor) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.FetchTimeout
	if lp, ok := s.adapter.(longPoller); ok {
		timeout += lp.PollTimeout()
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Supervisor) stop(err error) {
	s.tracker.update(s.adapter.Key(), func(st *Status) {
		st.State = StateStopped
		st.LastError = err.Error()
		st.NeedsReauth = source.IsAuthError(err)
	})
	if source.IsAuthError(err) {
		s.logger.Error().Err(err).Msg("authentication failed; supervisor stopped until credentials are fixed")
		return
	}
	s.logger.Error().Err(err).Msg("supervisor stopped")
}

func firstAuthError(errs []error) error {
	for _, err := range errs {
		if source.IsAuthError(err) {
			return err
		}
	}
	return nil
}

func isRateLimit(err error) bool {
	_, ok := source.RetryAfter(err)
	return ok
}

func sameScopes(a, b []model.Scope) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
