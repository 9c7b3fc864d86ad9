package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/agent-runtime/internal/config"
	"github.com/mattjoyce/agent-runtime/internal/events"
	"github.com/mattjoyce/agent-runtime/internal/extension"
	"github.com/mattjoyce/agent-runtime/internal/queue"
	"github.com/mattjoyce/agent-runtime/internal/storage"
	"github.com/mattjoyce/agent-runtime/internal/tui/watch"
)

const defaultAPIURL = "http://localhost:8787"

type statusCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var checks []statusCheck

	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		checks = append(checks, statusCheck{Name: "config", OK: false, Details: err.Error()})
		return printStatus(checks, *jsonOut)
	}
	checks = append(checks, statusCheck{Name: "config", OK: true, Details: "loaded"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		checks = append(checks, statusCheck{Name: "state_db", OK: false, Details: err.Error()})
	} else {
		depth, derr := queue.NewSQLiteStore(db).CountActive(ctx)
		if derr != nil {
			checks = append(checks, statusCheck{Name: "state_db", OK: false, Details: derr.Error()})
		} else {
			checks = append(checks, statusCheck{
				Name:    "state_db",
				OK:      true,
				Details: fmt.Sprintf("%s (%d active jobs)", cfg.State.Path, depth),
			})
		}
		_ = db.Close()
	}

	lockPath := pidLockPath(cfg)
	if data, err := os.ReadFile(lockPath); err == nil {
		pid := string(bytes.TrimSpace(data))
		checks = append(checks, statusCheck{Name: "instance", OK: true, Details: "running (pid " + pid + ")"})
	} else {
		checks = append(checks, statusCheck{Name: "instance", OK: true, Details: "not running"})
	}

	return printStatus(checks, *jsonOut)
}

func printStatus(checks []statusCheck, jsonOut bool) int {
	exitCode := 0
	for _, c := range checks {
		if !c.OK {
			exitCode = 1
		}
	}

	if jsonOut {
		data, err := json.MarshalIndent(checks, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return exitCode
	}

	for _, c := range checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		fmt.Printf("%s %-10s %s\n", mark, c.Name, c.Details)
	}
	return exitCode
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", defaultAPIURL, "Runtime API URL")
	token := fs.String("token", "", "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolvedToken := *token
	if resolvedToken == "" {
		resolvedToken = os.Getenv("AGENT_RUNTIME_TOKEN")
	}

	p := tea.NewProgram(watch.New(*apiURL, resolvedToken), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch TUI failed: %v\n", err)
		return 1
	}
	return 0
}

func runExtensionList(args []string) int {
	fs := flag.NewFlagSet("extension-list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	loader := extension.NewLoader(extension.Config{
		RepoLocalRoots:  cfg.Extensions.RepoLocalRoots,
		InstalledRoots:  cfg.Extensions.InstalledRoots,
		ConfiguredRoots: cfg.Extensions.ConfiguredRoots,
		Trust:           cfg.Extensions.Trust,
		Profiles:        cfg.Runtime.Profiles,
	})
	if _, err := loader.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Extension discovery failed: %v\n", err)
		return 1
	}
	snap := loader.Active()

	if *jsonOut {
		data, err := json.MarshalIndent(snap.Inventory(), "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render inventory JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	modules := snap.Modules()
	if len(modules) == 0 {
		fmt.Println("No automation modules discovered.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT ID\tNAME\tVERSION\tORIGIN\tTRUST")
		for _, m := range modules {
			trust := string(m.Trust.Mode)
			if m.Trust.Flagged {
				trust += " (flagged)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.AgentID, m.Name, m.Version, m.Origin, trust)
		}
		w.Flush()
	}

	if diags := snap.Diagnostics(); len(diags) > 0 {
		fmt.Println()
		fmt.Println("Diagnostics:")
		for _, d := range diags {
			fmt.Printf("  %s: %s\n", d.Module, d.Reason)
		}
	}
	return 0
}

// openQueue opens the state database directly for offline job inspection.
// The notification hub is local and discarded; a running service publishes
// its own notifications for the same transitions.
func openQueue(ctx context.Context, cfg *config.Config) (*queue.Queue, func(), error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	q := queue.New(queue.NewSQLiteStore(db), events.NewHub(16), cfg.Queue.Capacity)
	return q, func() { _ = db.Close() }, nil
}

func runJobGet(args []string) int {
	fs := flag.NewFlagSet("job-get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		printJobGetHelp()
		return 1
	}

	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, closeDB, err := openQueue(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer closeDB()

	job, err := q.Get(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Job lookup failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(job, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("ID:       %s\n", job.ID)
	fmt.Printf("Type:     %s\n", job.Type)
	fmt.Printf("Owner:    %s\n", job.OwnerID)
	fmt.Printf("State:    %s\n", job.State)
	if job.DedupeKey != "" {
		fmt.Printf("Dedupe:   %s\n", job.DedupeKey)
	}
	fmt.Printf("Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", job.UpdatedAt.Format(time.RFC3339))
	if len(job.Result) > 0 {
		fmt.Printf("Result:   %s\n", string(job.Result))
	}
	if job.Error != nil {
		fmt.Printf("Error:    %s\n", *job.Error)
	}
	return 0
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("job-list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	owner := fs.String("owner", "", "Filter by owner id")
	stateFilter := fs.String("state", "", "Filter by state (queued, running, completed, failed, canceled)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var statePtr *queue.State
	if *stateFilter != "" {
		st := queue.State(*stateFilter)
		switch st {
		case queue.StateQueued, queue.StateRunning, queue.StateCompleted, queue.StateFailed, queue.StateCanceled:
			statePtr = &st
		default:
			fmt.Fprintf(os.Stderr, "Unknown job state: %s\n", *stateFilter)
			return 1
		}
	}

	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, closeDB, err := openQueue(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer closeDB()

	jobs, err := q.List(ctx, *owner, statePtr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Job listing failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tOWNER\tSTATE\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(j.ID), j.Type, j.OwnerID, j.State, j.UpdatedAt.Format("15:04:05"))
	}
	w.Flush()
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runJobCancel(args []string) int {
	fs := flag.NewFlagSet("job-cancel", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		printJobCancelHelp()
		return 1
	}

	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, closeDB, err := openQueue(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer closeDB()

	job, err := q.Cancel(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
		return 1
	}
	fmt.Printf("Job %s is now %s\n", job.ID, job.State)
	return 0
}

func runEventEmit(args []string) int {
	fs := flag.NewFlagSet("event-emit", flag.ContinueOnError)
	eventType := fs.String("type", "", "Event type, e.g. turn.completed")
	payload := fs.String("payload", "{}", "Event payload as JSON")
	apiURL := fs.String("api-url", defaultAPIURL, "Runtime API URL")
	token := fs.String("token", "", "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *eventType == "" {
		printEventEmitHelp()
		return 1
	}

	var payloadMap map[string]any
	if err := json.Unmarshal([]byte(*payload), &payloadMap); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid payload JSON: %v\n", err)
		return 1
	}

	resolvedToken := *token
	if resolvedToken == "" {
		resolvedToken = os.Getenv("AGENT_RUNTIME_TOKEN")
	}

	body, err := json.Marshal(map[string]any{
		"type":    *eventType,
		"payload": payloadMap,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode request: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *apiURL+"/emit", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build request: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if resolvedToken != "" {
		req.Header.Set("Authorization", "Bearer "+resolvedToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "Is the runtime running? Try 'agent-runtime system start'.")
		return 1
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read response: %v\n", err)
		return 1
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "API returned %s: %s\n", strconv.Itoa(resp.StatusCode), string(respBody))
		return 1
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err != nil {
		fmt.Println(string(respBody))
	} else {
		fmt.Println(pretty.String())
	}
	return 0
}
