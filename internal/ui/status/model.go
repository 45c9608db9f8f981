package status

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/vibez-sync/internal/keys"
	appsync "github.com/nhle/vibez-sync/internal/sync"
	"github.com/nhle/vibez-sync/internal/theme"
	"github.com/nhle/vibez-sync/internal/ui"
)

const refreshInterval = 5 * time.Second

// Source supplies supervisor statuses and change notifications.
type Source interface {
	Statuses() []appsync.Status
	WaitForStatus() tea.Cmd
}

// Counter reports the number of stored messages.
type Counter interface {
	CountMessages(ctx context.Context) (int, error)
}

// countMsg carries a fresh stored-message count.
type countMsg struct {
	count int
	err   error
}

type tickMsg time.Time

// Model is the live sync dashboard.
type Model struct {
	source   Source
	counter  Counter
	keys     *keys.KeyMap
	table    table.Model
	help     help.Model
	layout   ui.Layout
	statuses []appsync.Status
	messages int
	countErr error
	started  time.Time
	now      func() time.Time
}

var columns = []table.Column{
	{Title: "Source", Width: 16},
	{Title: "Type", Width: 14},
	{Title: "State", Width: 12},
	{Title: "Watched", Width: 8},
	{Title: "Inserted", Width: 9},
	{Title: "Last poll", Width: 10},
	{Title: "Backoff", Width: 8},
	{Title: "Restarts", Width: 8},
	{Title: "Note", Width: 40},
}

// New creates a dashboard model.
func New(src Source, counter Counter, k *keys.KeyMap) Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.ColorBorder).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(theme.ColorWhite).
		Background(theme.ColorSubtle).
		Bold(false)
	t.SetStyles(styles)

	m := Model{
		source:  src,
		counter: counter,
		keys:    k,
		table:   t,
		help:    help.New(),
		layout:  ui.NewLayout(100, 20),
		started: time.Now(),
		now:     time.Now,
	}
	m.setStatuses(src.Statuses())
	return m
}

// Init starts listening for status changes and loads the message count.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.source.WaitForStatus(), m.loadCount(), tick())
}

// Update handles messages for the dashboard.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
		return m, nil

	case appsync.StatusMsg:
		m.setStatuses(m.source.Statuses())
		return m, tea.Batch(m.source.WaitForStatus(), m.loadCount())

	case countMsg:
		m.messages = msg.count
		m.countErr = msg.err
		return m, nil

	case tickMsg:
		m.setStatuses(m.source.Statuses())
		return m, tick()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			m.setStatuses(m.source.Statuses())
			return m, m.loadCount()
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m Model) View() string {
	summary := fmt.Sprintf("%d messages · up %s", m.messages, m.now().Sub(m.started).Truncate(time.Second))
	if m.countErr != nil {
		summary = "count unavailable"
	}

	content := theme.PanelStyle.Render(m.table.View())
	if detail := m.selectedDetail(); detail != "" {
		content = lipgloss.JoinVertical(lipgloss.Left, content, detail)
	}

	m.help.Width = m.layout.Width
	return m.layout.Render("vibez-sync", summary, content, m.help.View(m.keys))
}

// SetSize updates the dashboard dimensions.
func (m *Model) SetSize(width, height int) {
	m.layout = ui.NewLayout(width, height)
	h := m.layout.ContentHeight() - 6
	if h < 3 {
		h = 3
	}
	m.table.SetHeight(h)
	m.help.Width = width
}

func (m *Model) setStatuses(statuses []appsync.Status) {
	m.statuses = statuses
	rows := make([]table.Row, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, Row(st, m.now()))
	}
	m.table.SetRows(rows)
}

// selectedDetail renders the full last error of the highlighted source.
func (m Model) selectedDetail() string {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.statuses) {
		return ""
	}
	st := m.statuses[i]
	if st.LastError == "" {
		return ""
	}
	return theme.ErrorStyle.Render(st.Source + ": " + st.LastError)
}

func (m Model) loadCount() tea.Cmd {
	c := m.counter
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := c.CountMessages(ctx)
		return countMsg{count: n, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Row renders one status as a table row.
func Row(st appsync.Status, now time.Time) table.Row {
	lastPoll := "never"
	if !st.LastPoll.IsZero() {
		lastPoll = humanizeSince(now.Sub(st.LastPoll))
	}

	backoff := "-"
	if st.Backoff > 0 {
		backoff = st.Backoff.String()
	}

	note := ""
	switch {
	case st.NeedsReauth:
		note = "needs re-auth"
	case st.LastError != "":
		note = st.LastError
	}

	return table.Row{
		st.Source,
		st.Type,
		st.State.String(),
		fmt.Sprintf("%d", st.Watched),
		fmt.Sprintf("%d", st.Inserted),
		lastPoll,
		backoff,
		fmt.Sprintf("%d", st.Restarts),
		note,
	}
}

func humanizeSince(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
