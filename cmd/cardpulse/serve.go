// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/cardpulse/internal/api"
	"github.com/tomtom215/cardpulse/internal/config"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/refresh"
	"github.com/tomtom215/cardpulse/internal/rollup"
	"github.com/tomtom215/cardpulse/internal/supervisor"
	"github.com/tomtom215/cardpulse/internal/supervisor/services"
	"github.com/tomtom215/cardpulse/internal/websocket"
)

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the metrics API and run scheduled refreshes",
		Long: `Start the HTTP API under a supervisor tree.

The tree runs the refresh orchestrator, the websocket hub, the daily cache
watcher, the refresh scheduler (when refresh.interval > 0) and the HTTP
server. Failing services are restarted with backoff.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

//nolint:gocyclo // sequential wiring of the service tree
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logging.Info().Str("version", Version).Msg("Starting cardpulse with supervisor tree")

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing runtime")
		}
	}()

	orch := refresh.New(rt.pipeline, refresh.Options{
		WindowDays:       cfg.Refresh.WindowDays,
		SubscriberBuffer: cfg.Refresh.SubscriberBuffer,
		State:            rt.refreshState(),
	})
	hub := websocket.NewHub()
	hub.Bridge(orch)

	daily := rollup.NewCachedReader(rt.daily, cfg.Storage.CacheSize, cfg.Storage.CacheTTL)

	handler := api.NewHandler(api.HandlerOptions{
		Daily:          daily,
		Registry:       rt.registry,
		Rules:          rt.rules,
		Refresh:        orch,
		Hub:            hub,
		AllowedOrigins: cfg.Security.CORSOrigins,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins:        cfg.Security.CORSOrigins,
		RateLimitRequests:  cfg.Security.RateLimitReqs,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
		RateLimitDisabled:  cfg.Security.RateLimitDisabled,
		RefreshTokenSecret: cfg.Security.RefreshTokenSecret,
	})
	if cfg.Security.RefreshTokenSecret == "" {
		logging.Warn().Msg("refresh_token_secret is empty; POST /api/v1/refresh is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       2 * time.Minute,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return err
	}
	tree.AddDataService(services.NewCacheWatcherService(daily))
	tree.AddMessagingService(services.NewOrchestratorService(orch))
	tree.AddMessagingService(services.NewWebSocketHubService(hub))
	if cfg.Refresh.Interval > 0 {
		tree.AddMessagingService(services.NewRefreshScheduler(orch, cfg.Refresh.Interval))
		logging.Info().Dur("interval", cfg.Refresh.Interval).Msg("Scheduled refresh enabled")
	}
	tree.AddAPIService(services.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	if a.configPath != "" {
		a.watchLogLevel()
	}

	logging.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
	err = tree.Serve(ctx)
	// The orchestrator service stops its job when the tree shuts down; Close
	// here covers a tree that failed before it ever started the service.
	orch.Close()

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("Server stopped gracefully")
	return nil
}

// watchLogLevel re-applies the logging section when the config file changes.
// Other settings need a restart.
func (a *app) watchLogLevel() {
	path := a.configPath
	err := config.WatchConfigFile(path, func() {
		cfg, err := config.LoadFile(path)
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Ignoring invalid config change")
			return
		}
		logging.Init(logging.Config{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			Caller:    cfg.Logging.Caller,
			Timestamp: true,
		})
		logging.Info().Str("level", cfg.Logging.Level).Msg("Logging configuration reloaded")
	})
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("Config file watch unavailable")
	}
}
