// Package watch implements the live system watch TUI: runtime health, job
// activity, and the lifecycle event stream over SSE.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

// NewDefaultTheme is a teal-on-slate palette tuned for long-running monitor
// sessions on dark terminals.
func NewDefaultTheme() Theme {
	teal := lipgloss.Color("#2AA198")
	slate := lipgloss.Color("#6C7A89")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#4EC994")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#E0AF68")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E06C75")),
		StatusQueued:  lipgloss.NewStyle().Foreground(slate),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(teal),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(teal).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(slate),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#7AA2F7")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#4EC994")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#3B4252")),
	}
}
