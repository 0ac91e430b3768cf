// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

/*
Package cache provides a thread-safe, generic LRU cache with TTL expiration.

It backs the daily-document reader used by the metrics API, where the same
handful of recent days is read on every dashboard request.

# Behavior

  - O(1) Get, Add and Remove using a hashmap plus a doubly-linked list
  - the least recently used entry is evicted when capacity is reached
  - entries expire lazily: an expired entry is dropped on the Get that sees it
  - Purge drops everything, for callers that learn the backing data changed

# Usage

	c := cache.NewLRU[*rollup.Document](64, 5*time.Minute)
	c.Add("2025-01-01", doc)
	if doc, ok := c.Get("2025-01-01"); ok {
	    // use doc
	}
	c.Remove("2025-01-01") // file rewritten
*/
package cache
