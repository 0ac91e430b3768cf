// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

/*
Package supervisor runs cardpulse's long-lived services under suture v4.

The tree has three layers, each with its own failure budget:

	cardpulse
	├── data-layer
	│   ├── refresh-orchestrator
	│   └── daily-cache-watcher
	├── messaging-layer
	│   ├── websocket-hub
	│   └── refresh-scheduler (when refresh.interval > 0)
	└── api-layer
	    └── api-server

Supervisor events (start, failure, backoff) go through sutureslog to the
zerolog-backed slog logger from internal/logging.

Usage:

	logger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(logger, supervisor.DefaultTreeConfig())
	if err != nil {
	    return err
	}
	tree.AddDataService(services.NewOrchestratorService(orch))
	tree.AddMessagingService(services.NewWebSocketHubService(hub))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	return tree.Serve(ctx)

The wrappers live in the services subpackage.
*/
package supervisor
