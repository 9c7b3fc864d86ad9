package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agent-runtime/internal/events"
)

// JobState is the TUI's view of one job, assembled from lifecycle
// notifications.
type JobState struct {
	ID      string
	Type    string
	OwnerID string
	State   string
	Updated time.Time
}

func newJobsTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "JOB", Width: 10},
			{Title: "TYPE", Width: 22},
			{Title: "OWNER", Width: 18},
			{Title: "STATE", Width: 10},
			{Title: "UPDATED", Width: 9},
		}),
		table.WithHeight(8),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#E5C07B"))
	t.SetStyles(styles)
	return t
}

// applyJobNotification folds one job.* notification into the jobs map.
func applyJobNotification(jobs map[string]*JobState, n events.Notification) {
	data := make(map[string]any)
	_ = json.Unmarshal(n.Data, &data)

	id, _ := data["job_id"].(string)
	if id == "" {
		return
	}
	j, ok := jobs[id]
	if !ok {
		j = &JobState{ID: id}
		jobs[id] = j
	}
	if v, ok := data["type"].(string); ok {
		j.Type = v
	}
	if v, ok := data["owner_id"].(string); ok {
		j.OwnerID = v
	}
	if v, ok := data["state"].(string); ok {
		j.State = v
	}
	j.Updated = n.At
}

func jobRows(jobs map[string]*JobState) []table.Row {
	ordered := make([]*JobState, 0, len(jobs))
	for _, j := range jobs {
		ordered = append(ordered, j)
	}
	sort.Slice(ordered, func(a, b int) bool {
		return ordered[a].Updated.After(ordered[b].Updated)
	})

	rows := make([]table.Row, 0, len(ordered))
	for _, j := range ordered {
		id := j.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id, j.Type, j.OwnerID, j.State, j.Updated.Format("15:04:05"),
		})
	}
	return rows
}
