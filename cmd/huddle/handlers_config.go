package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/huddle/internal/config"
)

const redacted = "[REDACTED]"

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigShow(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := config.LoadOrDefault(resolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	redactSecrets(cfg)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, flags *globalFlags) error {
	path := resolveConfigPath(flags.configPath)
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (config version %d)\n", path, config.CurrentVersion)
	return nil
}

func redactSecrets(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Auth.Token)
	mask(&cfg.Auth.RefreshToken)
	mask(&cfg.Relay.JWTSecret)
	for id := range cfg.Relay.Passwords {
		cfg.Relay.Passwords[id] = redacted
	}
}

func runVersion(cmd *cobra.Command) error {
	fmt.Fprintf(cmd.OutOrStdout(), "huddle %s\ncommit: %s\nbuilt: %s\nconfig version: %d\n",
		version, commit, date, config.CurrentVersion)
	return nil
}
