// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Facet Contributors

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/facetlabs/facet/internal/host"
	"github.com/facetlabs/facet/internal/server"
	faceterr "github.com/facetlabs/facet/pkg/errors"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the plugin runtime",
		Long:  "Load configuration, discover and activate plugins, and serve the admin API.",
		RunE:  runStart,
	}

	cmd.Flags().String("listen", "", "override admin API listen address (host:port)")

	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger := newLogger(cfg)

	core, err := host.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Initialize(ctx); err != nil {
		closeErr := core.Close(context.Background())
		if closeErr != nil {
			return faceterr.Join(err, closeErr)
		}
		return err
	}
	defer func() {
		if err := core.Close(context.Background()); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if !cfg.Server.Enabled {
		logger.Info("admin API disabled, running until interrupted")
		<-ctx.Done()
		return nil
	}

	srv, err := server.New(server.Config{ListenAddr: cfg.Server.Listen}, core)
	if err != nil {
		return err
	}

	logger.Info("facet started", "listen", cfg.Server.Listen)
	return srv.Start(ctx)
}
