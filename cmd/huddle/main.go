// Package main provides the CLI entry point for huddle, a terminal client for
// workspace presence, direct messages, notifications and video call
// signaling.
//
// # Basic Usage
//
// Start a local relay and sign in:
//
//	huddle relay
//	huddle login 1
//
// Follow presence and notifications, or chat with a user:
//
//	huddle watch --workspace 10
//	huddle chat 2 --workspace 10
//
// # Environment Variables
//
//   - HUDDLE_CONFIG: Path to configuration file (default: huddle.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultConfigName = "huddle.yaml"

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath  string
	logLevel    string
	workspaceID string
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "huddle",
		Short: "huddle - realtime presence and messaging client",
		Long: `huddle connects to a workspace's realtime sockets: who is online, unread
conversation summaries, direct messages, notifications and call invitations.

"huddle relay" runs a development server that speaks the same protocol.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "",
		"Path to configuration file (or set HUDDLE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"Override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&flags.workspaceID, "workspace", "w", "",
		"Override identity.workspace_id")

	rootCmd.AddCommand(
		buildWatchCmd(flags),
		buildChatCmd(flags),
		buildCheckCmd(flags),
		buildCallCmd(flags),
		buildLoginCmd(flags),
		buildRelayCmd(flags),
		buildConfigCmd(flags),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("HUDDLE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}
