package theme

import "github.com/charmbracelet/lipgloss"

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue    = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen   = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow  = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed     = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorMagenta = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorGray    = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite   = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorSubtle  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#CBD5E0"}
	ColorBorder  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for the dashboard title bar.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// StatusBarStyle is used for the bottom key-hint bar.
var StatusBarStyle = lipgloss.NewStyle().
	Foreground(ColorWhite).
	Background(ColorSubtle).
	Padding(0, 1)

// PanelStyle wraps a bordered content area.
var PanelStyle = lipgloss.NewStyle().
	Padding(0, 1).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder)

// HelpStyle is used for keyboard shortcut hints and help text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// ErrorStyle renders the last error of a source.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(ColorRed)

// StateStyle returns a color-coded style for a supervisor state name.
func StateStyle(state string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch state {
	case "discovering":
		return base.Foreground(ColorBlue)
	case "polling":
		return base.Foreground(ColorGreen)
	case "backoff":
		return base.Foreground(ColorYellow)
	case "stopped":
		return base.Foreground(ColorRed)
	default:
		return base.Foreground(ColorGray)
	}
}

// SourceLabelStyle returns a color-coded style for the given source type.
func SourceLabelStyle(sourceType string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch sourceType {
	case "beeper":
		return base.Foreground(ColorBlue)
	case "matrix":
		return base.Foreground(ColorMagenta)
	case "google_groups":
		return base.Foreground(ColorGreen)
	default:
		return base.Foreground(ColorGray)
	}
}
