// Package main is the CLI entry point for Teleton, a personal AI agent that
// bridges a chat platform to an LLM reasoning loop with tool dispatch,
// persistent memory, and a loopback web control plane.
//
// Start the agent:
//
//	teleton serve --config ~/.teleton/config.yaml
//
// Configuration comes from the YAML/JSON5 file plus TELETON_* environment
// overrides. Exit codes: 0 normal shutdown, 1 fatal startup error, 2 invalid
// configuration.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errInvalidConfig marks configuration failures so main can exit with 2.
var errInvalidConfig = errors.New("invalid configuration")

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		if errors.Is(err, errInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "teleton",
		Short:        "Teleton - personal AI agent runtime",
		Long:         "Teleton runs a long-lived personal AI agent: a Telegram bridge,\nan LLM reasoning loop with tools and memory, interval jobs, and a\nloopback web control plane, all persisted in one SQLite database.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
