package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agent-runtime/internal/events"
)

func renderEventStream(eventLog []events.Notification, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, n := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatNotification(n, theme))
	}

	text := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		text,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatNotification(n events.Notification, theme Theme) string {
	ts := theme.Dim.Render(n.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(n.Type, ".completed"):
		typeStyle = theme.StatusOK
	case strings.HasSuffix(n.Type, ".failed"), strings.HasSuffix(n.Type, ".canceled"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(n.Type, ".started"):
		typeStyle = theme.StatusRunning
	case strings.HasSuffix(n.Type, ".queued"):
		typeStyle = theme.StatusQueued
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", n.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeNotification(n))
}

func describeNotification(n events.Notification) string {
	data := make(map[string]any)
	_ = json.Unmarshal(n.Data, &data)

	var parts []string
	if jobID, ok := data["job_id"].(string); ok {
		if len(jobID) > 8 {
			jobID = jobID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", jobID))
	}
	if typ, ok := data["type"].(string); ok {
		parts = append(parts, typ)
	}
	if owner, ok := data["owner_id"].(string); ok && owner != "" {
		parts = append(parts, owner)
	}
	if state, ok := data["state"].(string); ok {
		parts = append(parts, state)
	}

	if len(parts) == 0 {
		raw := string(n.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
