// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

/*
Package middleware provides the HTTP middleware shared by the API router.

  - RequestID: takes X-Request-ID or generates a UUID, echoes it back and
    puts request and correlation IDs into the logging context
  - PrometheusMetrics: request count and latency by chi route pattern
  - Compression: gzip for JSON responses above a minimum size

The router applies them in that order:

	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
	r.With(middleware.Compression()).Post("/api/metrics/funnel", h.Funnel)

Compression is applied per route group only. Refresh streams must flush
each line and websocket upgrades must hijack the connection, so neither
runs behind it.
*/
package middleware
