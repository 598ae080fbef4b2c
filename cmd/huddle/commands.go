package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Client Commands
// =============================================================================

func buildWatchCmd(flags *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream presence, unread summaries, notifications and calls",
		Example: `  huddle watch --workspace 10
  huddle watch --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, flags, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (overrides observability.metrics_addr)")
	return cmd
}

func buildChatCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <user-id>",
		Short: "Open an interactive direct message conversation",
		Long: `Open the conversation with a user in the current workspace. Lines typed on
stdin are sent as messages; /quit leaves the conversation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags, args[0])
		},
	}
	return cmd
}

func buildCheckCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check <user-id>",
		Short: "Ask whether a user is online",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, flags, args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for the answer")
	return cmd
}

func buildCallCmd(flags *globalFlags) *cobra.Command {
	var opts callOptions
	cmd := &cobra.Command{
		Use:   "call <user-id>",
		Short: "Invite a user to a video call",
		Example: `  huddle call 2
  huddle call 2 --qr --join-url https://meet.example.com/{room_id}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, flags, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.roomID, "room", "", "Room id (generated when empty)")
	cmd.Flags().DurationVar(&opts.wait, "wait", 30*time.Second, "How long to wait for an answer")
	cmd.Flags().BoolVar(&opts.qr, "qr", false, "Print the join URL as a QR code")
	cmd.Flags().StringVar(&opts.joinURL, "join-url", "huddle://call/{room_id}", "Join URL template")
	return cmd
}

func buildLoginCmd(flags *globalFlags) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Exchange credentials for tokens",
		Long: `Log in against the configured backend and print an auth section to paste
into the configuration file. The password is prompted for when not given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, flags, args[0], password)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when empty)")
	return cmd
}

// =============================================================================
// Relay Command
// =============================================================================

func buildRelayCmd(flags *globalFlags) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development relay server",
		Long: `Run an in-memory server implementing the realtime sockets and the auth
endpoints. Without relay.jwt_secret any token is accepted and taken as
the user id.

The relay reloads logging.level when the configuration file changes.
Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, flags, listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides relay.listen_addr)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets redacted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd, flags)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, flags)
			},
		},
	)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd)
		},
	}
}
