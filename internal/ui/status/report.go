package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/store"
	"github.com/nhle/vibez-sync/internal/theme"
)

// SourceReport is the persisted sync state of one configured source.
type SourceReport struct {
	Key     string
	Type    string
	Enabled bool
	Watched []model.Scope
	Cursors []store.StateEntry
}

// Report is an offline snapshot of the store for the status command.
type Report struct {
	Messages int
	Sources  []SourceReport
	Rooms    []store.RoomStat
}

// RenderReport renders r as styled tables.
func RenderReport(r Report) string {
	var b strings.Builder

	b.WriteString(theme.HeaderStyle.Render(fmt.Sprintf("vibez-sync · %d messages", r.Messages)))
	b.WriteString("\n\n")

	sources := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("Source", "Type", "Enabled", "Watched", "Cursors").
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true)
			}
			if col == 1 && row >= 0 && row < len(r.Sources) {
				return theme.SourceLabelStyle(r.Sources[row].Type).Padding(0, 1)
			}
			return s
		})
	for _, src := range r.Sources {
		enabled := "yes"
		if !src.Enabled {
			enabled = "no"
		}
		sources.Row(src.Key, src.Type, enabled, watchedSummary(src.Watched), fmt.Sprintf("%d", len(src.Cursors)))
	}
	b.WriteString(sources.String())
	b.WriteString("\n")

	if len(r.Rooms) == 0 {
		b.WriteString(theme.HelpStyle.Render("no messages stored yet"))
		b.WriteString("\n")
		return b.String()
	}

	rooms := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("Room", "Messages", "Latest").
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true)
			}
			return s
		})
	for _, room := range r.Rooms {
		name := room.RoomName
		if name == "" {
			name = room.RoomID
		}
		latest := time.UnixMilli(room.LastTimestamp).UTC().Format("2006-01-02 15:04")
		rooms.Row(name, fmt.Sprintf("%d", room.Messages), latest)
	}
	b.WriteString(rooms.String())
	b.WriteString("\n")
	return b.String()
}

func watchedSummary(scopes []model.Scope) string {
	if scopes == nil {
		return "-"
	}
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, s.Name)
	}
	out := fmt.Sprintf("%d", len(scopes))
	if len(names) > 0 {
		joined := strings.Join(names, ", ")
		if len(joined) > 48 {
			joined = joined[:45] + "..."
		}
		out += " (" + joined + ")"
	}
	return out
}
