package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/vibez-sync/internal/theme"
)

// Layout holds the terminal dimensions of the dashboard frame.
type Layout struct {
	Width  int
	Height int
}

// NewLayout creates a Layout with the given terminal dimensions.
func NewLayout(width, height int) Layout {
	return Layout{Width: width, Height: height}
}

// ContentHeight returns the rows left between the header and status bar.
func (l Layout) ContentHeight() int {
	h := l.Height - 2
	if h < 0 {
		return 0
	}
	return h
}

// bar renders left and right text on one full-width line in style.
func (l Layout) bar(style lipgloss.Style, left, right string) string {
	leftRendered := style.Render(left)
	rightRendered := ""
	if right != "" {
		rightRendered = style.Render(right)
	}

	gap := l.Width - lipgloss.Width(leftRendered) - lipgloss.Width(rightRendered)
	if gap < 0 {
		gap = 0
	}
	filler := lipgloss.NewStyle().
		Width(gap).
		Background(style.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, leftRendered, filler, rightRendered)
}

// Render composes the header, content, and status bar.
func (l Layout) Render(title, summary, content, hints string) string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		l.bar(theme.HeaderStyle, title, summary),
		content,
		l.bar(theme.StatusBarStyle, hints, ""),
	)
}
