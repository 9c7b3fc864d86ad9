package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "extension":
		return runExtensionNoun(args)
	case "job":
		return runJobNoun(args)
	case "event":
		return runEventNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: agent-runtime version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("agent-runtime %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`agent-runtime - Extensible automation runtime for coding-agent sessions

Usage:
  agent-runtime <noun> <action> [flags]

Core Resources (Nouns):
  system     Runtime lifecycle and health
  extension  Automation module discovery and inventory
  job        Background job management
  event      Event emission

System Commands:
  system start      Start the runtime service in foreground
  system status     Show runtime health checks
  system watch      Real-time monitoring TUI

Extension Commands:
  extension list    Show discovered automation modules

Job Commands:
  job get <id>      Show one job
  job list          List jobs, optionally filtered
  job cancel <id>   Cancel a queued or running job

Event Commands:
  event emit        Emit an event through the running API

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'agent-runtime <noun> help' for resource-specific flags.
`)
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agent-runtime system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printExtensionNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agent-runtime extension <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agent-runtime job <action> [flags]")
	fmt.Fprintln(w, "Actions: get, list, cancel")
}

func printEventNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: agent-runtime event <action> [flags]")
	fmt.Fprintln(w, "Actions: emit")
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runExtensionNoun(args []string) int {
	if len(args) < 1 {
		printExtensionNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printExtensionNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printExtensionListHelp()
			return 0
		}
		return runExtensionList(actionArgs)
	case "help":
		printExtensionNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown extension action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "get":
		if hasHelpFlag(actionArgs) {
			printJobGetHelp()
			return 0
		}
		return runJobGet(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printJobListHelp()
			return 0
		}
		return runJobList(actionArgs)
	case "cancel":
		if hasHelpFlag(actionArgs) {
			printJobCancelHelp()
			return 0
		}
		return runJobCancel(actionArgs)
	case "help":
		printJobNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runEventNoun(args []string) int {
	if len(args) < 1 {
		printEventNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printEventNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "emit":
		if hasHelpFlag(actionArgs) {
			printEventEmitHelp()
			return 0
		}
		return runEventEmit(actionArgs)
	case "help":
		printEventNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown event action: %s\n", action)
		return 1
	}
}

func printSystemStartHelp() {
	fmt.Println("Usage: agent-runtime system start [--config PATH]")
	fmt.Println("Start the runtime service in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: agent-runtime system status [--config PATH] [--json]")
	fmt.Println("Show runtime health (config, database readiness, and PID lock state).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: agent-runtime system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI.")
	fmt.Println("Shows runtime health, job activity, and the lifecycle event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Runtime API URL (default: http://localhost:8787)")
	fmt.Println("  --token TOKEN    API bearer token (or AGENT_RUNTIME_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate jobs")
}

func printExtensionListHelp() {
	fmt.Println("Usage: agent-runtime extension list [--config PATH] [--json]")
	fmt.Println("Discover automation modules from the configured roots and show the inventory.")
}

func printJobGetHelp() {
	fmt.Println("Usage: agent-runtime job get <job_id> [--config PATH] [--json]")
	fmt.Println("Show one job's state and result.")
}

func printJobListHelp() {
	fmt.Println("Usage: agent-runtime job list [--config PATH] [--owner ID] [--state STATE] [--json]")
	fmt.Println("List jobs, optionally filtered by owner and state.")
}

func printJobCancelHelp() {
	fmt.Println("Usage: agent-runtime job cancel <job_id> [--config PATH]")
	fmt.Println("Cancel a queued or running job. Terminal jobs are unchanged.")
}

func printEventEmitHelp() {
	fmt.Println("Usage: agent-runtime event emit --type TYPE [--payload JSON] [--api-url URL] [--token TOKEN]")
	fmt.Println("Emit an event through the running runtime's API and print the handler results.")
}
