package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/credential"
	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/source/beeper"
	"github.com/nhle/vibez-sync/internal/source/googlegroups"
	"github.com/nhle/vibez-sync/internal/source/matrix"
	appsync "github.com/nhle/vibez-sync/internal/sync"
	"github.com/nhle/vibez-sync/internal/testutil"
)

type mapSecrets map[string]string

func (m mapSecrets) Resolve(src model.SourceConfig) (string, error) {
	if v, ok := m[src.Key()]; ok {
		return v, nil
	}
	return "", credential.ErrNotFound
}

func testConfig() *model.AppConfig {
	return &model.AppConfig{
		Supervisor: model.SupervisorConfig{BackoffFloorSec: 1, BackoffCeilingSec: 300, RestartCooldownSec: 30, FetchTimeoutSec: 30},
		Sources: []model.SourceConfig{
			{ID: "beeper", Type: "beeper", Enabled: true, PollIntervalSec: 30},
			{ID: "matrix", Type: "matrix", Enabled: true, Config: map[string]string{"sync_timeout_ms": "5000"}},
			{ID: "lists", Type: "google_groups", Enabled: true, PollIntervalSec: 60, Config: map[string]string{"username": "me@example.com"}},
			{ID: "off", Type: "beeper", Enabled: false},
		},
	}
}

func TestRegisterSourcesSkipsMissingCredentials(t *testing.T) {
	o := appsync.NewOrchestrator(testutil.NewTestStore(t), appsync.OrchestratorConfig{}, zerolog.Nop())
	secrets := mapSecrets{"beeper": "tok", "lists": "app-pass", "off": "tok"}

	n := registerSources(o, testConfig(), secrets, zerolog.Nop())
	if n != 2 {
		t.Fatalf("expected 2 registered sources, got %d", n)
	}

	statuses := o.Statuses()
	if len(statuses) != 2 || statuses[0].Source != "beeper" || statuses[1].Source != "lists" {
		t.Errorf("unexpected registered sources %+v", statuses)
	}
}

func TestAdapterFactoryBuildsTypedAdapters(t *testing.T) {
	secrets := mapSecrets{"beeper": "tok", "matrix": "syt", "lists": "pass"}
	cfg := testConfig()

	tests := []struct {
		src  model.SourceConfig
		want string
	}{
		{cfg.Sources[0], "*beeper.Adapter"},
		{cfg.Sources[1], "*matrix.Adapter"},
		{cfg.Sources[2], "*googlegroups.Adapter"},
	}
	for _, tt := range tests {
		factory, err := adapterFactory(tt.src, secrets, zerolog.Nop())
		if err != nil {
			t.Fatalf("adapterFactory(%s): %v", tt.src.ID, err)
		}
		a, err := factory()
		if err != nil {
			t.Fatalf("factory(%s): %v", tt.src.ID, err)
		}
		var got string
		switch a.(type) {
		case *beeper.Adapter:
			got = "*beeper.Adapter"
		case *matrix.Adapter:
			got = "*matrix.Adapter"
		case *googlegroups.Adapter:
			got = "*googlegroups.Adapter"
		}
		if got != tt.want {
			t.Errorf("source %s: expected %s, got %T", tt.src.ID, tt.want, a)
		}
		if a.Key() != tt.src.Key() {
			t.Errorf("expected adapter key %q, got %q", tt.src.Key(), a.Key())
		}
	}

	if m, _ := adapterFactory(cfg.Sources[1], secrets, zerolog.Nop()); m != nil {
		a, _ := m()
		if got := a.(*matrix.Adapter).PollTimeout(); got != 5*time.Second {
			t.Errorf("expected sync timeout 5s, got %s", got)
		}
	}
}

func TestAdapterFactoryUnknownType(t *testing.T) {
	_, err := adapterFactory(model.SourceConfig{ID: "x", Type: "slack"}, mapSecrets{}, zerolog.Nop())
	if err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestAdapterFactoryCredentialRevoked(t *testing.T) {
	secrets := mapSecrets{"beeper": "tok"}
	factory, err := adapterFactory(testConfig().Sources[0], secrets, zerolog.Nop())
	if err != nil {
		t.Fatalf("adapterFactory: %v", err)
	}
	delete(secrets, "beeper")
	if _, err := factory(); !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("expected ErrNotFound on rebuild, got %v", err)
	}
}

func TestSupervisorConfig(t *testing.T) {
	cfg := testConfig()
	sc := supervisorConfig(cfg.Supervisor, cfg.Sources[0])
	if sc.PollInterval != 30*time.Second || sc.BackoffCeiling != 300*time.Second ||
		sc.BackoffFloor != time.Second || sc.FetchTimeout != 30*time.Second {
		t.Errorf("unexpected supervisor config %+v", sc)
	}
}

func TestNewFailsWithoutSources(t *testing.T) {
	cfg := testConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "vibez.db")
	_, err := New(context.Background(), cfg, zerolog.Nop(), WithSecrets(mapSecrets{}))
	if err == nil {
		t.Fatal("expected error when no source has credentials")
	}
}

func TestNewRegistersSources(t *testing.T) {
	cfg := testConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "vibez.db")
	cfg.Server.Addr = "127.0.0.1:0"

	a, err := New(context.Background(), cfg, zerolog.Nop(), WithSecrets(mapSecrets{"beeper": "tok"}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.sources != 1 {
		t.Errorf("expected 1 source, got %d", a.sources)
	}
	if a.server == nil {
		t.Error("expected status server to be configured")
	}
	if a.publisher != nil {
		t.Error("expected no event publisher when events are disabled")
	}
}

func TestBuildReport(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	cfg := testConfig()

	if err := st.SaveCursor(ctx, "beeper_cursor:chat-1", "42"); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := st.SaveCursor(ctx, "next_batch", "s123"); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := st.SaveActiveScopes(ctx, "beeper", []model.Scope{{ID: "chat-1", Name: "The Vibez"}}); err != nil {
		t.Fatalf("SaveActiveScopes: %v", err)
	}
	if _, err := st.SaveBatch(ctx, "beeper", "chat-1", []model.Message{
		{ID: "beeper-chat-1-1", RoomID: "chat-1", RoomName: "The Vibez", SenderID: "u", Body: "hi", Timestamp: 1},
	}); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	r, err := BuildReport(ctx, st, cfg)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if r.Messages != 1 {
		t.Errorf("expected 1 message, got %d", r.Messages)
	}
	if len(r.Sources) != 4 {
		t.Fatalf("expected 4 sources, got %d", len(r.Sources))
	}
	if len(r.Sources[0].Cursors) != 1 || len(r.Sources[0].Watched) != 1 {
		t.Errorf("unexpected beeper report %+v", r.Sources[0])
	}
	if len(r.Sources[1].Cursors) != 1 || r.Sources[1].Cursors[0].Value != "s123" {
		t.Errorf("unexpected matrix report %+v", r.Sources[1])
	}
	if len(r.Rooms) != 1 {
		t.Errorf("expected 1 room, got %d", len(r.Rooms))
	}
}

func TestLogin(t *testing.T) {
	stored := map[string]string{}
	set := func(k, v string) error {
		stored[k] = v
		return nil
	}

	src, err := Login(testConfig(), "lists", "app-pass", set)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if src.Type != "google_groups" || stored["google_groups-lists"] != "app-pass" {
		t.Errorf("unexpected keyring contents %v", stored)
	}

	if _, err := Login(testConfig(), "missing", "x", set); err == nil {
		t.Error("expected error for unknown source")
	}
	if _, err := Login(testConfig(), "lists", "", set); err == nil {
		t.Error("expected error for empty secret")
	}
}
