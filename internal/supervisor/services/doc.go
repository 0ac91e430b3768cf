// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

/*
Package services adapts cardpulse components to suture.Service.

Each wrapper turns a component's lifecycle into Serve(ctx) error and names
it through fmt.Stringer for the supervisor's logs:

  - HTTPServerService: ListenAndServe and Shutdown of the API server
  - WebSocketHubService: the websocket hub's event loop
  - OrchestratorService: closes the refresh orchestrator on shutdown
  - RefreshScheduler: starts a refresh of yesterday and today on an interval
  - CacheWatcherService: fsnotify invalidation of cached daily documents

Wrappers depend on small interfaces rather than the concrete types so they
can be tested with mocks.

Returning an error from Serve makes the supervisor restart the service;
returning ctx.Err() after cancellation is a clean stop.
*/
package services
