// Package main provides the CLI entry point for tasker-core, the browser
// automation sidecar: an HTTP+WebSocket service that records and replays
// browser workflows via an LLM-driven agent over the Chrome DevTools
// Protocol.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tasker",
		Short: "tasker-core - browser automation agent sidecar",
		Long: `tasker-core records and replays browser workflows.

It drives a single Chromium process over the Chrome DevTools Protocol,
either recording a human's actions into a named workflow or replaying a
task description through an LLM-driven agent loop, and exposes both over
an HTTP + WebSocket API for an external desktop shell.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDoctorCmd(),
		buildVersionCmd(),
	)
	return root
}

// exitCodeFor maps a startup failure to tasker-core's exit code contract:
// 0 normal, 1 generic startup failure, 2 missing runtime dependency.
func exitCodeFor(err error) int {
	if _, ok := asMissingChromium(err); ok {
		return 2
	}
	return 1
}
