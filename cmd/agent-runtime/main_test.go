package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mattjoyce/agent-runtime/internal/events"
	"github.com/mattjoyce/agent-runtime/internal/queue"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

func TestRunCLINoArgs(t *testing.T) {
	if code := runCLI(nil); code != 1 {
		t.Errorf("expected exit 1 for no args, got %d", code)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	if code := runCLI([]string{"bogus"}); code != 1 {
		t.Errorf("expected exit 1 for unknown command, got %d", code)
	}
}

func TestRunCLIHelp(t *testing.T) {
	for _, args := range [][]string{
		{"help"},
		{"--help"},
		{"system", "help"},
		{"extension", "help"},
		{"job", "help"},
		{"event", "help"},
		{"system", "start", "--help"},
		{"job", "list", "--help"},
	} {
		if code := runCLI(args); code != 0 {
			t.Errorf("runCLI(%v) = %d, want 0", args, code)
		}
	}
}

func TestRunCLIVersion(t *testing.T) {
	if code := runCLI([]string{"version"}); code != 0 {
		t.Errorf("version exit = %d, want 0", code)
	}
	if code := runCLI([]string{"--version"}); code != 0 {
		t.Errorf("--version exit = %d, want 0", code)
	}
	if code := runCLI([]string{"version", "--json"}); code != 0 {
		t.Errorf("version --json exit = %d, want 0", code)
	}
	if code := runCLI([]string{"version", "extra"}); code != 1 {
		t.Errorf("version with positional arg = %d, want 1", code)
	}
}

func TestNounRequiresAction(t *testing.T) {
	for _, noun := range []string{"system", "extension", "job", "event"} {
		if code := runCLI([]string{noun}); code != 1 {
			t.Errorf("bare %q exit = %d, want 1", noun, code)
		}
		if code := runCLI([]string{noun, "bogus"}); code != 1 {
			t.Errorf("%s bogus exit = %d, want 1", noun, code)
		}
	}
}

func TestJobGetRequiresID(t *testing.T) {
	if code := runJobGet(nil); code != 1 {
		t.Errorf("job get without id = %d, want 1", code)
	}
}

func TestJobCancelRequiresID(t *testing.T) {
	if code := runJobCancel(nil); code != 1 {
		t.Errorf("job cancel without id = %d, want 1", code)
	}
}

func TestEventEmitRequiresType(t *testing.T) {
	if code := runEventEmit(nil); code != 1 {
		t.Errorf("event emit without --type = %d, want 1", code)
	}
	if code := runEventEmit([]string{"--type", "x", "--payload", "{nope"}); code != 1 {
		t.Errorf("event emit with bad payload = %d, want 1", code)
	}
}

func TestShortenCommit(t *testing.T) {
	if got := shortenCommit("abc123"); got != "abc123" {
		t.Errorf("short commit mangled: %q", got)
	}
	if got := shortenCommit("0123456789abcdef0123"); got != "0123456789ab" {
		t.Errorf("long commit not truncated: %q", got)
	}
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	if _, ok := normalizeBuildTimeUTC("unknown"); ok {
		t.Error("unknown should not normalize")
	}
	if _, ok := normalizeBuildTimeUTC("not-a-time"); ok {
		t.Error("garbage should not normalize")
	}
	got, ok := normalizeBuildTimeUTC("2026-08-30T10:00:00+02:00")
	if !ok {
		t.Fatal("valid RFC3339 should normalize")
	}
	if got != "2026-08-30T08:00:00Z" {
		t.Errorf("expected UTC conversion, got %q", got)
	}
}

func TestCurrentVersionInfoDefaults(t *testing.T) {
	info := currentVersionInfo()
	if info.Version == "" {
		t.Error("version must never be empty")
	}
}

func TestHostBackendsPublish(t *testing.T) {
	hub := events.NewHub(16)
	backends := hostBackends(hub)

	backend, ok := backends["approval.decide"]
	if !ok {
		t.Fatal("approval.decide backend not registered")
	}

	res := backend(context.Background(), map[string]any{"decision": "accept"})
	if res.Status != runtime.StatusPerformed {
		t.Errorf("backend status = %s, want performed", res.Status)
	}
	if res.ActionType != "approval.decide" {
		t.Errorf("backend action type = %s", res.ActionType)
	}

	notifs := hub.ReplaySince(0)
	if len(notifs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifs))
	}
	if notifs[0].Type != "action.approval.decide" {
		t.Errorf("notification type = %s", notifs[0].Type)
	}
}

func TestSyncTranscriptJob(t *testing.T) {
	hub := events.NewHub(16)
	handler := syncTranscriptJob(hub)

	job := &queue.Job{
		ID:      "job-1",
		Type:    "transcript.sync",
		Payload: json.RawMessage(`{"turnId":"turn-9","sourceSessionId":"sess-1"}`),
	}

	out, err := handler(context.Background(), job)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if result["turnId"] != "turn-9" {
		t.Errorf("result turnId = %v", result["turnId"])
	}
	if result["syncedAt"] == "" {
		t.Error("syncedAt missing")
	}

	if len(hub.ReplaySince(0)) != 1 {
		t.Error("expected a transcript.sync.requested notification")
	}

	bad := &queue.Job{ID: "job-2", Type: "transcript.sync", Payload: json.RawMessage(`{broken`)}
	if _, err := handler(context.Background(), bad); err == nil {
		t.Error("expected error for malformed payload")
	}
}
