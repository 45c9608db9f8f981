package sync

import (
	"context"
	"errors"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source"
	"github.com/nhle/vibez-sync/internal/testutil"
)

// fakeAdapter serves scripted pages. Items with Data "bad" fail to
// parse and items with empty Data are skipped.
type fakeAdapter struct {
	key    string
	scopes []model.Scope
	seeds  map[string]string

	discoverErr error
	fetch       func(scope model.Scope, cursor string) (*source.Page, error)

	mu      gosync.Mutex
	fetches []string
	seeded  []string
}

func (f *fakeAdapter) Key() string { return f.key }

func (f *fakeAdapter) Discover(ctx context.Context) ([]model.Scope, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.scopes, nil
}

func (f *fakeAdapter) CursorKey(scope model.Scope) string {
	return f.key + "_cursor:" + scope.ID
}

func (f *fakeAdapter) Seed(ctx context.Context, scope model.Scope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = append(f.seeded, scope.ID)
	return f.seeds[scope.ID], nil
}

func (f *fakeAdapter) Fetch(ctx context.Context, scope model.Scope, cursor string) (*source.Page, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, scope.ID+"@"+cursor)
	f.mu.Unlock()
	return f.fetch(scope, cursor)
}

func (f *fakeAdapter) Normalize(item source.RawItem) source.Result {
	switch string(item.Data) {
	case "bad":
		return source.Failed(item.NativeID, "malformed", nil)
	case "":
		return source.Skipped(source.SkipNotMessage)
	}
	return source.Ok(model.Message{
		ID:        f.key + "-" + item.NativeID,
		RoomID:    item.Scope.ID,
		RoomName:  item.Scope.Name,
		SenderID:  "sender",
		Body:      string(item.Data),
		Timestamp: 1_700_000_000_000,
	})
}

func (f *fakeAdapter) fetchLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.fetches))
	copy(out, f.fetches)
	return out
}

// counterAdapter returns one new item per fetch, numbered after the cursor.
func counterAdapter(key string, scopes ...model.Scope) *fakeAdapter {
	f := &fakeAdapter{key: key, scopes: scopes, seeds: map[string]string{}}
	f.fetch = func(scope model.Scope, cursor string) (*source.Page, error) {
		n, _ := strconv.Atoi(cursor)
		next := strconv.Itoa(n + 1)
		return &source.Page{
			Items: []source.RawItem{{NativeID: scope.ID + "-" + next, Scope: scope, Data: []byte("msg " + next)}},
			Next:  next,
		}, nil
	}
	return f
}

type recordingSink struct {
	mu      gosync.Mutex
	batches []model.Batch
}

func (r *recordingSink) Dispatch(b model.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// failingStore rejects every SaveBatch.
type failingStore struct {
	Store
}

func (failingStore) SaveBatch(ctx context.Context, src, scope string, msgs []model.Message) ([]model.Message, error) {
	return nil, errors.New("disk full")
}

func newTestSupervisor(t *testing.T, a source.Adapter, st Store, sink BatchSink, opts ...SupervisorOption) *Supervisor {
	t.Helper()
	cfg := SupervisorConfig{
		PollInterval:   time.Millisecond,
		BackoffFloor:   time.Second,
		BackoffCeiling: 8 * time.Second,
		FetchTimeout:   time.Second,
	}
	return NewSupervisor(a, st, sink, cfg, zerolog.Nop(), opts...)
}

func TestSupervisorSeedsWithoutBackfill(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	a.seeds[scope.ID] = "10"
	sink := &recordingSink{}
	sup := newTestSupervisor(t, a, st, sink)

	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}

	cursor, ok, err := st.LoadCursor(ctx, a.CursorKey(scope))
	if err != nil || !ok {
		t.Fatalf("expected seeded cursor, ok=%v err=%v", ok, err)
	}
	if cursor != "10" {
		t.Errorf("expected seed cursor 10, got %q", cursor)
	}
	if len(a.fetchLog()) != 0 {
		t.Errorf("expected no fetch during discovery, got %v", a.fetchLog())
	}

	if errs := sup.Cycle(ctx); len(errs) != 0 {
		t.Fatalf("cycle: %v", errs)
	}

	fetches := a.fetchLog()
	if len(fetches) != 1 || fetches[0] != "room-1@10" {
		t.Errorf("expected first fetch from seed cursor, got %v", fetches)
	}
	count, _ := st.CountMessages(ctx)
	if count != 1 {
		t.Errorf("expected only the post-seed message, got %d", count)
	}
}

func TestSupervisorDoesNotReseedExistingCursor(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	if err := st.SaveCursor(ctx, a.CursorKey(scope), "5"); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	sup := newTestSupervisor(t, a, st, &recordingSink{})
	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(a.seeded) != 0 {
		t.Errorf("expected no seeding for existing cursor, got %v", a.seeded)
	}
}

func TestSupervisorEmptySeedIsRemembered(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	sup := newTestSupervisor(t, a, st, &recordingSink{})

	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	sup.Cycle(ctx)
	sup.Cycle(ctx)

	if len(a.seeded) != 1 {
		t.Errorf("expected a single seed call, got %d", len(a.seeded))
	}
	if fetches := a.fetchLog(); len(fetches) != 2 || fetches[0] != "room-1@" || fetches[1] != "room-1@1" {
		t.Errorf("unexpected fetch sequence %v", fetches)
	}
}

func TestSupervisorCursorAdvancesMonotonically(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	a.seeds[scope.ID] = "0"
	sup := newTestSupervisor(t, a, st, &recordingSink{})

	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}

	prev := 0
	for i := 0; i < 5; i++ {
		if errs := sup.Cycle(ctx); len(errs) != 0 {
			t.Fatalf("cycle %d: %v", i, errs)
		}
		cursor, _, _ := st.LoadCursor(ctx, a.CursorKey(scope))
		n, err := strconv.Atoi(cursor)
		if err != nil {
			t.Fatalf("cursor %q: %v", cursor, err)
		}
		if n <= prev {
			t.Fatalf("cycle %d: cursor went from %d to %d", i, prev, n)
		}
		prev = n
	}
}

func TestSupervisorPersistsBeforeAdvancing(t *testing.T) {
	ctx := context.Background()
	base := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	if err := base.SaveCursor(ctx, a.CursorKey(scope), "3"); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	sink := &recordingSink{}
	sup := newTestSupervisor(t, a, failingStore{Store: base}, sink)
	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}

	errs := sup.Cycle(ctx)
	if len(errs) != 1 {
		t.Fatalf("expected save failure, got %v", errs)
	}

	cursor, _, _ := base.LoadCursor(ctx, a.CursorKey(scope))
	if cursor != "3" {
		t.Errorf("expected cursor to stay at 3 after failed save, got %q", cursor)
	}
	if sink.count() != 0 {
		t.Errorf("expected no dispatch after failed save")
	}
}

func TestSupervisorIsolatesScopeFailures(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	broken := model.Scope{ID: "broken", Name: "Broken"}
	healthy := model.Scope{ID: "healthy", Name: "Healthy"}

	a := counterAdapter("fake", broken, healthy)
	inner := a.fetch
	a.fetch = func(scope model.Scope, cursor string) (*source.Page, error) {
		if scope.ID == broken.ID {
			return nil, errors.New("connection reset")
		}
		return inner(scope, cursor)
	}
	a.seeds[broken.ID] = "0"
	a.seeds[healthy.ID] = "0"

	sink := &recordingSink{}
	sup := newTestSupervisor(t, a, st, sink)
	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}

	errs := sup.Cycle(ctx)
	if len(errs) != 1 {
		t.Fatalf("expected one scope error, got %v", errs)
	}

	msgs, err := st.RecentMessages(ctx, healthy.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected healthy scope to persist 1 message, got %d", len(msgs))
	}
	if sink.count() != 1 {
		t.Errorf("expected 1 dispatched batch, got %d", sink.count())
	}
}

func TestSupervisorSkipsUnparseableItems(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := &fakeAdapter{key: "fake", scopes: []model.Scope{scope}, seeds: map[string]string{"room-1": "0"}}
	a.fetch = func(scope model.Scope, cursor string) (*source.Page, error) {
		return &source.Page{
			Items: []source.RawItem{
				{NativeID: "1", Scope: scope, Data: []byte("bad")},
				{NativeID: "2", Scope: scope, Data: []byte("")},
				{NativeID: "3", Scope: scope, Data: []byte("hello")},
			},
			Next: "3",
		}, nil
	}

	sup := newTestSupervisor(t, a, st, &recordingSink{})
	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if errs := sup.Cycle(ctx); len(errs) != 0 {
		t.Fatalf("expected parse failures not to fail the cycle, got %v", errs)
	}

	count, _ := st.CountMessages(ctx)
	if count != 1 {
		t.Errorf("expected 1 stored message, got %d", count)
	}
	cursor, _, _ := st.LoadCursor(ctx, a.CursorKey(scope))
	if cursor != "3" {
		t.Errorf("expected cursor past the bad item, got %q", cursor)
	}
}

func TestSupervisorDispatchesOnlyNewMessages(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := &fakeAdapter{key: "fake", scopes: []model.Scope{scope}, seeds: map[string]string{"room-1": "0"}}
	a.fetch = func(scope model.Scope, cursor string) (*source.Page, error) {
		// The cursor never moves, so every poll re-reads the same item.
		return &source.Page{
			Items: []source.RawItem{{NativeID: "1", Scope: scope, Data: []byte("hello")}},
			Next:  "0",
		}, nil
	}

	sink := &recordingSink{}
	sup := newTestSupervisor(t, a, st, sink)
	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	for i := 0; i < 3; i++ {
		sup.Cycle(ctx)
	}

	if sink.count() != 1 {
		t.Fatalf("expected a single dispatched batch, got %d", sink.count())
	}
	if got := len(sink.batches[0].Messages); got != 1 {
		t.Errorf("expected 1 message in batch, got %d", got)
	}
	if sink.batches[0].Source != "fake" || sink.batches[0].Scope != scope {
		t.Errorf("unexpected batch origin %q %+v", sink.batches[0].Source, sink.batches[0].Scope)
	}
}

func TestSupervisorStopsOnAuthError(t *testing.T) {
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	a.seeds[scope.ID] = "0"
	a.fetch = func(scope model.Scope, cursor string) (*source.Page, error) {
		return nil, &source.AuthError{Source: "fake", Message: "token revoked"}
	}

	tr := newTracker()
	var sleeps int
	sleep := func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}
	sup := newTestSupervisor(t, a, st, &recordingSink{}, WithSleep(sleep), withTracker(tr))

	err := sup.Run(context.Background())
	if !source.IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if sleeps != 0 {
		t.Errorf("expected no retry after auth failure, got %d sleeps", sleeps)
	}

	statuses := tr.snapshot()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
	if statuses[0].State != StateStopped || !statuses[0].NeedsReauth {
		t.Errorf("expected stopped with reauth, got %+v", statuses[0])
	}
}

func TestSupervisorBacksOffWithinCeiling(t *testing.T) {
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	a.seeds[scope.ID] = "0"
	a.fetch = func(scope model.Scope, cursor string) (*source.Page, error) {
		return nil, errors.New("503 service unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 7 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	sup := newTestSupervisor(t, a, st, &recordingSink{}, WithSleep(sleep))

	if err := sup.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	want := []time.Duration{1, 2, 4, 8, 8, 8, 8}
	if len(delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), delays)
	}
	for i, w := range want {
		if delays[i] != w*time.Second {
			t.Errorf("sleep %d: expected %s, got %s", i, w*time.Second, delays[i])
		}
	}
}

func TestSupervisorHonorsRetryAfter(t *testing.T) {
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	a.seeds[scope.ID] = "0"
	a.fetch = func(scope model.Scope, cursor string) (*source.Page, error) {
		return nil, &source.RateLimitError{Source: "fake", RetryAfter: 5 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		first = d
		cancel()
		return ctx.Err()
	}
	sup := newTestSupervisor(t, a, st, &recordingSink{}, WithSleep(sleep))
	sup.Run(ctx)

	if first != 5*time.Second {
		t.Errorf("expected retry-after delay 5s, got %s", first)
	}
}

func TestSupervisorResetsBackoffAfterSuccess(t *testing.T) {
	st := testutil.NewTestStore(t)
	scope := model.Scope{ID: "room-1", Name: "Room One"}
	a := counterAdapter("fake", scope)
	a.seeds[scope.ID] = "0"
	inner := a.fetch
	calls := 0
	a.fetch = func(scope model.Scope, cursor string) (*source.Page, error) {
		calls++
		if calls <= 2 || calls == 4 {
			return nil, errors.New("timeout")
		}
		return inner(scope, cursor)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 4 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	sup := newTestSupervisor(t, a, st, &recordingSink{}, WithSleep(sleep))
	sup.Run(ctx)

	want := []time.Duration{time.Second, 2 * time.Second, time.Millisecond, time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("sleep %d: expected %s, got %s", i, want[i], delays[i])
		}
	}
}

func TestSupervisorDiscoveryFailureStops(t *testing.T) {
	st := testutil.NewTestStore(t)
	a := counterAdapter("fake")
	a.discoverErr = errors.New("bridge unreachable")

	tr := newTracker()
	sup := newTestSupervisor(t, a, st, &recordingSink{}, withTracker(tr))
	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("expected discovery error")
	}
	if got := tr.snapshot()[0].State; got != StateStopped {
		t.Errorf("expected stopped, got %s", got)
	}
}

// watchingAdapter reports a watched set independent of its scopes.
type watchingAdapter struct {
	*fakeAdapter
	watched []model.Scope
}

func (w *watchingAdapter) Watched() []model.Scope { return w.watched }

func TestSupervisorSavesWatchedSnapshot(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	a := counterAdapter("fake", model.Scope{ID: "sync", Name: "sync"})
	w := &watchingAdapter{
		fakeAdapter: a,
		watched: []model.Scope{
			{ID: "!a:hs", Name: "Alpha"},
			{ID: "!b:hs", Name: "Beta"},
		},
	}

	sup := newTestSupervisor(t, w, st, &recordingSink{})
	if err := sup.discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}

	got, ok, err := st.LoadActiveScopes(ctx, "fake")
	if err != nil || !ok {
		t.Fatalf("LoadActiveScopes ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[0].Name != "Alpha" || got[1].ID != "!b:hs" {
		t.Errorf("unexpected snapshot %+v", got)
	}

	w.watched = append(w.watched, model.Scope{ID: "!c:hs", Name: "Gamma"})
	sup.refreshWatched(ctx)

	got, _, _ = st.LoadActiveScopes(ctx, "fake")
	if len(got) != 3 {
		t.Errorf("expected snapshot refreshed to 3 scopes, got %d", len(got))
	}
}
