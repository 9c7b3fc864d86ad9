package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/agent-runtime/internal/api"
	"github.com/mattjoyce/agent-runtime/internal/config"
	"github.com/mattjoyce/agent-runtime/internal/events"
	"github.com/mattjoyce/agent-runtime/internal/extension"
	"github.com/mattjoyce/agent-runtime/internal/lock"
	"github.com/mattjoyce/agent-runtime/internal/log"
	"github.com/mattjoyce/agent-runtime/internal/queue"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
	"github.com/mattjoyce/agent-runtime/internal/storage"

	_ "github.com/mattjoyce/agent-runtime/extensions/autoapprove"
	_ "github.com/mattjoyce/agent-runtime/extensions/sessionlog"
)

// loadConfigOrDefaults resolves configuration for a command. An explicit
// --config path must load; otherwise discovery failure falls back to the
// built-in defaults so the runtime works out of the box.
func loadConfigOrDefaults(flagPath string) (*config.Config, error) {
	if flagPath != "" {
		return config.Load(flagPath)
	}
	path, err := config.Discover()
	if err != nil {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func pidLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "agent-runtime.pid")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := slog.Default()

	pidLock, err := lock.AcquirePIDLock(pidLockPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to acquire instance lock: %v\n", err)
		fmt.Fprintln(os.Stderr, "Another agent-runtime instance may already be running.")
		return 1
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Warn("Failed to release instance lock", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("Failed to open state database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	hub := events.NewHub(1024)

	q := queue.New(queue.NewSQLiteStore(db), hub, cfg.Queue.Capacity)
	runner := queue.NewRunner(q, cfg.Queue.Workers)
	runner.Register("transcript.sync", syncTranscriptJob(hub))
	runner.Start(ctx)
	defer runner.Stop()

	loader := extension.NewLoader(extension.Config{
		RepoLocalRoots:  cfg.Extensions.RepoLocalRoots,
		InstalledRoots:  cfg.Extensions.InstalledRoots,
		ConfiguredRoots: cfg.Extensions.ConfiguredRoots,
		Trust:           cfg.Extensions.Trust,
		Profiles:        cfg.Runtime.Profiles,
	})
	report, err := loader.Load()
	if err != nil {
		logger.Error("Extension load failed", "error", err)
		return 1
	}
	logger.Info("Extensions loaded",
		"modules", len(report.Loaded),
		"diagnostics", len(report.Diagnostics))

	ledger := storage.NewLedger(db)
	dispatcher := runtime.NewDispatcher(loader, ledger, q, hostBackends(hub), cfg.Runtime.DefaultHandlerTimeout)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen: cfg.API.Listen,
			Tokens: cfg.API.AuthTokens(),
		}, dispatcher, loader, q, hub, logger)
		go func() {
			if err := server.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	} else {
		logger.Info("API server disabled by configuration")
	}

	logger.Info("Runtime started",
		"service", cfg.Service.Name,
		"version", currentVersionInfo().Version,
		"state", cfg.State.Path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Component failed", "error", err)
		cancel()
		return 1
	}

	cancel()
	time.Sleep(100 * time.Millisecond)
	logger.Info("Runtime stopped")
	return 0
}

// hostBackends wires the built-in action executors. Each one publishes the
// performed action onto the notification hub so hosts and the watch TUI can
// observe what the reconciler committed.
func hostBackends(hub *events.Hub) map[string]runtime.Backend {
	publish := func(actionType string) runtime.Backend {
		return func(ctx context.Context, payload map[string]any) runtime.ActionResult {
			hub.Publish("action."+actionType, payload)
			return runtime.ActionResult{
				ActionType: actionType,
				Status:     runtime.StatusPerformed,
			}
		}
	}
	return map[string]runtime.Backend{
		"transcript.upsert":  publish("transcript.upsert"),
		"approval.decide":    publish("approval.decide"),
		"turn.steer.create":  publish("turn.steer.create"),
		"session.note.write": publish("session.note.write"),
	}
}

// syncTranscriptJob handles the transcript.sync job type. The heavy lifting
// belongs to the host process; the runtime's job records when the sync ran
// and for which turn.
func syncTranscriptJob(hub *events.Hub) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var payload struct {
			TurnID          string `json:"turnId"`
			SourceSessionID string `json:"sourceSessionId"`
		}
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, fmt.Errorf("invalid transcript.sync payload: %w", err)
			}
		}

		hub.Publish("transcript.sync.requested", map[string]any{
			"job_id":          job.ID,
			"turnId":          payload.TurnID,
			"sourceSessionId": payload.SourceSessionID,
		})

		result := map[string]any{
			"turnId":   payload.TurnID,
			"syncedAt": time.Now().UTC().Format(time.RFC3339),
		}
		out, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
