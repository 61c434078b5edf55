// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/facetlabs/facet/internal/config"
)

// NewRootCmd creates the root facet command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "facet",
		Short:         "Facet — plugin runtime for the analytics engine",
		Long:          "Facet hosts sandboxed analytics plugins: registration, capability security, resource quotas, and an event bus, with an admin REST API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	root.AddCommand(
		newStartCmd(),
		newPluginCmd(),
		newAuditCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig resolves and loads configuration for a subcommand.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = cmd.Root().PersistentFlags().GetString("config")
	}
	return config.Load(path)
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
