package status

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/vibez-sync/internal/keys"
	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/store"
	appsync "github.com/nhle/vibez-sync/internal/sync"
)

type fakeSource struct {
	statuses []appsync.Status
}

func (f *fakeSource) Statuses() []appsync.Status { return f.statuses }

func (f *fakeSource) WaitForStatus() tea.Cmd {
	return func() tea.Msg { return nil }
}

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) CountMessages(ctx context.Context) (int, error) { return f.n, f.err }

func TestRow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := appsync.Status{
		Source:   "beeper",
		Type:     "beeper",
		State:    appsync.StateBackoff,
		Watched:  4,
		Inserted: 17,
		LastPoll: now.Add(-90 * time.Second),
		Backoff:  8 * time.Second,
		Restarts: 1,
	}

	row := Row(st, now)
	want := []string{"beeper", "beeper", "backoff", "4", "17", "1m ago", "8s", "1", ""}
	for i := range want {
		if row[i] != want[i] {
			t.Errorf("column %d: expected %q, got %q", i, want[i], row[i])
		}
	}
}

func TestRowNeedsReauth(t *testing.T) {
	row := Row(appsync.Status{Source: "matrix", State: appsync.StateStopped, NeedsReauth: true, LastError: "401"}, time.Now())
	if row[5] != "never" {
		t.Errorf("expected never polled, got %q", row[5])
	}
	if row[8] != "needs re-auth" {
		t.Errorf("expected reauth note, got %q", row[8])
	}
}

func TestModelUpdatesOnStatusChange(t *testing.T) {
	src := &fakeSource{statuses: []appsync.Status{{Source: "beeper", State: appsync.StateDiscovering}}}
	m := New(src, fakeCounter{n: 3}, keys.DefaultKeyMap())

	src.statuses = []appsync.Status{{Source: "beeper", State: appsync.StatePolling, Inserted: 5}}
	updated, cmd := m.Update(appsync.StatusMsg{Status: src.statuses[0]})
	if cmd == nil {
		t.Error("expected follow-up command")
	}

	next := updated.(Model)
	if got := next.table.Rows()[0][2]; got != "polling" {
		t.Errorf("expected polling row, got %q", got)
	}

	updated, _ = next.Update(countMsg{count: 3})
	if view := updated.(Model).View(); !strings.Contains(view, "3 messages") {
		t.Errorf("expected message count in view")
	}
}

func TestModelQuit(t *testing.T) {
	m := New(&fakeSource{}, fakeCounter{}, keys.DefaultKeyMap())
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestModelCountError(t *testing.T) {
	m := New(&fakeSource{}, fakeCounter{err: errors.New("locked")}, keys.DefaultKeyMap())
	updated, _ := m.Update(countMsg{err: errors.New("locked")})
	if !strings.Contains(updated.(Model).View(), "count unavailable") {
		t.Error("expected count error in view")
	}
}

func TestRenderReport(t *testing.T) {
	out := RenderReport(Report{
		Messages: 2,
		Sources: []SourceReport{
			{Key: "beeper", Type: "beeper", Enabled: true, Watched: []model.Scope{{ID: "c1", Name: "The Vibez"}}},
			{Key: "lists", Type: "google_groups", Enabled: false},
		},
		Rooms: []store.RoomStat{{RoomID: "c1", RoomName: "The Vibez", Messages: 2, LastTimestamp: 1772186400000}},
	})

	for _, want := range []string{"2 messages", "The Vibez", "google_groups", "1 (The Vibez)", "2026-02-27 10:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected report to contain %q", want)
		}
	}
}
