package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/huddle/internal/auth"
	"github.com/haasonsaas/huddle/internal/config"
	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/relay"
)

func runRelay(cmd *cobra.Command, flags *globalFlags, listenAddr string) error {
	env, err := loadEnv(cmd, flags)
	if err != nil {
		return err
	}
	defer env.Close()

	addr := env.cfg.Relay.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}
	authService := auth.NewService(relayAuthConfig(env.cfg.Relay))
	server := relay.New(relay.Options{
		Auth:     authService,
		Logger:   env.logger,
		Metrics:  env.metrics,
		Gatherer: env.registry,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := os.Stat(env.configPath); err == nil {
		err := config.Watch(ctx, env.configPath, env.logger, func(next *config.Config) {
			level := observability.LogLevelFromString(next.Logging.Level)
			if flags.logLevel == "" && level != env.level.Level() {
				env.level.Set(level)
				env.logger.Info("log level changed", "level", level.String())
			}
		})
		if err != nil {
			env.logger.Warn("config watch disabled", "error", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}

	env.logger.Info("starting relay",
		"version", version,
		"addr", addr,
		"auth", authService.Enabled(),
		"users", len(authService.UserIDs()),
	)
	return server.ListenAndServe(ctx, addr, func(a net.Addr) {
		fmt.Fprintf(cmd.OutOrStdout(), "relay listening on %s\n", a)
	})
}

// relayAuthConfig merges the relay's display names and passwords into one
// user list ordered by id.
func relayAuthConfig(cfg config.RelayConfig) auth.Config {
	ids := make(map[string]bool, len(cfg.Users)+len(cfg.Passwords))
	for id := range cfg.Users {
		ids[id] = true
	}
	for id := range cfg.Passwords {
		ids[id] = true
	}
	users := make([]auth.UserConfig, 0, len(ids))
	for id := range ids {
		users = append(users, auth.UserConfig{ID: id, Name: cfg.Users[id], Password: cfg.Passwords[id]})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	return auth.Config{
		JWTSecret:  cfg.JWTSecret,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Users:      users,
	}
}
