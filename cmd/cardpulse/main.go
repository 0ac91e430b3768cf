// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package main is the cardpulse command.
//
// cardpulse pulls session and placement records from every configured
// upstream instance, plus web-analytics page views, stores them as raw daily
// snapshots, folds them into the FI registry and builds one rollup document
// per day. The rollups back the metrics API.
//
// # Commands
//
//	cardpulse serve                                  HTTP API, scheduler and refresh orchestrator
//	cardpulse refresh [start] [end] [--force]        run one refresh in the foreground
//	cardpulse fetch-raw [start] [end] [--force] [--type t]
//	cardpulse build-rollups [start] [end]
//	cardpulse export <start> [end]                   aggregate export from raw snapshots
//	cardpulse audit <fi|ALL> <start> [end] [--csv f] raw vs rollup vs aggregate
//	cardpulse registry migrate <legacy.json>
//	cardpulse registry backfill
//	cardpulse registry rebuild
//	cardpulse token [--subject s] [--ttl d]          sign a refresh token
//
// Date arguments default to today (UTC). One date selects a single day, two
// select an inclusive range.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 (highest priority wins):
//   - Environment variables (UPSTREAM_INSTANCES_FILE, STORAGE_DATA_DIR, ...)
//   - Config file (--config, or config.yaml in the usual places)
//   - Built-in defaults
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the running command. A refresh finishes the day
// it is on before stopping.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/cardpulse/internal/config"
	"github.com/tomtom215/cardpulse/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// app carries state shared by every subcommand.
type app struct {
	configPath string
	cfg        *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "cardpulse",
		Short:         "Cardpulse - FI ingestion and daily funnel rollups",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(
		serveCmd(a),
		refreshCmd(a),
		fetchRawCmd(a),
		buildRollupsCmd(a),
		exportCmd(a),
		auditCmd(a),
		registryCmd(a),
		tokenCmd(a),
	)
	return root
}

// load reads the configuration and initializes logging.
func (a *app) load() error {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	return nil
}
