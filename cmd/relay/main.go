// Package main provides the relay CLI.
//
// Relay routes inbound events (chat messages, scheduled triggers,
// integration callbacks) through a normalized, deduplicated, priority-
// ordered pipeline and manages a pool of external tool-server
// connections on behalf of event handlers.
//
// Basic usage:
//
//	relay serve --config relay.yaml
//	relay dispatch --source api --type message.sent --payload '{"text":"hi"}'
//	relay kill on
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Event pipeline and tool-session manager",
		Long: "Relay normalizes, deduplicates, and dispatches inbound events to " +
			"handlers, optionally through a durable queue, and manages the " +
			"shared tool-server session the handlers use.",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to relay.yaml")

	rootCmd.AddCommand(buildServeCmd(&configPath))
	rootCmd.AddCommand(buildDispatchCmd(&configPath))
	rootCmd.AddCommand(buildKillCmd(&configPath))
	rootCmd.AddCommand(buildReloadCmd(&configPath))

	return rootCmd
}
