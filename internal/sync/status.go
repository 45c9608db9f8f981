package sync

import (
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/vibez-sync/internal/metrics"
)

// State is a supervisor lifecycle state.
type State int

const (
	StateDiscovering State = iota
	StatePolling
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the observable state of one source's supervisor.
type Status struct {
	Source      string        `json:"source"`
	Type        string        `json:"type"`
	State       State         `json:"state"`
	Scopes      int           `json:"scopes"`
	Watched     int           `json:"watched"`
	LastPoll    time.Time     `json:"last_poll"`
	LastError   string        `json:"last_error,omitempty"`
	NeedsReauth bool          `json:"needs_reauth"`
	Failures    int           `json:"consecutive_failures"`
	Backoff     time.Duration `json:"backoff_ns"`
	Inserted    int64         `json:"inserted"`
	Restarts    int           `json:"restarts"`
}

// StatusMsg is a tea.Msg carrying a status change.
type StatusMsg struct {
	Status Status
}

// tracker holds the status of every registered source and fans changes
// out to subscribers without blocking the supervisors.
type tracker struct {
	mu       gosync.Mutex
	statuses map[string]*Status
	order    []string
	updates  chan Status
}

func newTracker() *tracker {
	return &tracker{
		statuses: make(map[string]*Status),
		updates:  make(chan Status, 64),
	}
}

func (t *tracker) register(key, typ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.statuses[key]; ok {
		return
	}
	t.statuses[key] = &Status{Source: key, Type: typ, State: StateDiscovering}
	t.order = append(t.order, key)
}

// update applies fn to the status for key and publishes the result.
func (t *tracker) update(key string, fn func(*Status)) {
	t.mu.Lock()
	st, ok := t.statuses[key]
	if !ok {
		st = &Status{Source: key}
		t.statuses[key] = st
		t.order = append(t.order, key)
	}
	fn(st)
	snapshot := *st
	t.mu.Unlock()

	metrics.SupervisorState.WithLabelValues(key).Set(float64(snapshot.State))

	select {
	case t.updates <- snapshot:
	default:
		// Drop if channel is full to avoid blocking the supervisor
	}
}

func (t *tracker) setState(key string, state State, err error) {
	t.update(key, func(s *Status) {
		s.State = state
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

func (t *tracker) snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Status, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, *t.statuses[key])
	}
	return out
}

// waitForStatus returns a tea.Cmd that waits for the next status change.
func (t *tracker) waitForStatus() tea.Cmd {
	return func() tea.Msg {
		st, ok := <-t.updates
		if !ok {
			return nil
		}
		return StatusMsg{Status: st}
	}
}
