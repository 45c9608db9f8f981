package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/vibez-sync/internal/model"
)

func TestSyncedEnvelope(t *testing.T) {
	now := time.Date(2026, 2, 23, 10, 0, 0, 0, time.UTC)
	env := SyncedEnvelope("beeper", "chat-123", 5, now)

	if env.EventType != "vibez.messages.synced" {
		t.Errorf("expected event type vibez.messages.synced, got %q", env.EventType)
	}
	if env.SourceApp != "vibez-monitor" {
		t.Errorf("expected source app vibez-monitor, got %q", env.SourceApp)
	}
	if want := "vibez:sync:chat-123:1771840800"; env.DedupeKey != want {
		t.Errorf("expected dedupe key %q, got %q", want, env.DedupeKey)
	}
	if !strings.HasPrefix(env.SourceEventID, "sync-chat-123-") {
		t.Errorf("unexpected source event id %q", env.SourceEventID)
	}
	if env.OccurredAt != "2026-02-23T10:00:00Z" {
		t.Errorf("unexpected occurred_at %q", env.OccurredAt)
	}
	if env.Payload["count"] != 5 || env.Payload["room"] != "chat-123" {
		t.Errorf("unexpected payload %v", env.Payload)
	}
}

func TestHTTPPublisherPostsEnvelope(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		bodies <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, zerolog.Nop())
	p.MessagesSynced(context.Background(), "matrix", "!room:hs", 3)

	if !p.Flush(2 * time.Second) {
		t.Fatal("publish did not finish")
	}

	body := <-bodies
	if body["event_type"] != TypeMessagesSynced {
		t.Errorf("unexpected event_type %v", body["event_type"])
	}
	if body["source_app"] != SourceApp {
		t.Errorf("unexpected source_app %v", body["source_app"])
	}
	if _, ok := body["occurred_at"]; !ok {
		t.Error("expected occurred_at")
	}
	payload, _ := body["payload"].(map[string]any)
	if payload["count"] != float64(3) {
		t.Errorf("expected count 3 in payload, got %v", payload["count"])
	}
}

func TestHTTPPublisherSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	srv.Close()

	p := NewHTTPPublisher(srv.URL, zerolog.Nop())
	p.Publish(NewEnvelope("vibez.alert.hot", "a-1", "vibez:a-1", map[string]any{"msg": "test"}))

	if !p.Flush(5 * time.Second) {
		t.Fatal("publish did not finish")
	}
}

func TestWebhookPostsBatch(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &got); err != nil {
			t.Errorf("decoding webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	batch := model.Batch{
		Source: "google_groups",
		Scope:  model.Scope{ID: "INBOX", Name: "INBOX"},
		Messages: []model.Message{
			{ID: "googlegroup-made-of-meat-abc", RoomID: "googlegroup:made-of-meat", Body: "New thought here."},
		},
	}
	if err := NewWebhook(srv.URL, time.Second).HandleBatch(context.Background(), batch); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if got.Source != "google_groups" || got.Scope.ID != "INBOX" {
		t.Errorf("unexpected batch origin %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Body != "New thought here." {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
}

func TestWebhookReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).HandleBatch(context.Background(), model.Batch{Source: "beeper"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestMessageSubject(t *testing.T) {
	tests := []struct {
		source, scope, want string
	}{
		{"beeper", "chat-1", "vibez.messages.beeper.chat-1"},
		{"matrix", "sync", "vibez.messages.matrix.sync"},
		{"google_groups", "[Gmail]/All Mail", "vibez.messages.google_groups.[Gmail]/All_Mail"},
		{"beeper", "a.b*c>", "vibez.messages.beeper.a_b_c_"},
		{"beeper", "", "vibez.messages.beeper._"},
	}
	for _, tt := range tests {
		if got := MessageSubject("vibez", tt.source, tt.scope); got != tt.want {
			t.Errorf("MessageSubject(%q, %q) = %q, want %q", tt.source, tt.scope, got, tt.want)
		}
	}
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) MessagesSynced(ctx context.Context, source, scope string, count int) {
	c.n.Add(int32(count))
}

func TestNotifiersFanOut(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	Notifiers{a, b}.MessagesSynced(context.Background(), "beeper", "chat", 2)
	if a.n.Load() != 2 || b.n.Load() != 2 {
		t.Errorf("expected both notifiers signalled, got %d and %d", a.n.Load(), b.n.Load())
	}
}
