// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

/*
Package upstream talks to the paginated session/placement API of each tenant
instance.

Components:
  - Client: one per instance. Logs in, fetches single pages, rate limits with
    golang.org/x/time/rate and optionally runs every call through a
    sony/gobreaker circuit breaker. Retrying HTTP 429 with Retry-After is
    opt-in (upstream.retry_on_rate_limit).
  - SessionManager: authenticates at most once per instance per run. Concurrent
    callers share one login through singleflight, and a failed login is
    remembered so the instance is skipped rather than retried.
  - Fetcher: walks the x-cardsavr-paging cursor to exhaustion and feeds rows
    into a Sink.
  - Sink: the shared accumulator. Deduplicates on instance plus record id,
    falling back to a content hash for records without an id.
  - Normalize: turns any of the payload shapes instances return into one
    tagged Result.

There is no retry inside the fetch loop. A failed page stops that instance's
loop, keeps what was already accumulated and returns the error to the caller.
*/
package upstream
