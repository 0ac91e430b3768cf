// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package middleware

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// compressMinSize skips small bodies (health checks, status).
const compressMinSize = 1024

// Compression gzips JSON responses of at least compressMinSize bytes for
// clients that accept it.
func Compression() func(http.Handler) http.Handler {
	wrap, err := gzhttp.NewWrapper(
		gzhttp.MinSize(compressMinSize),
		gzhttp.ContentTypes([]string{"application/json"}),
	)
	if err != nil {
		// Only reachable with invalid static options.
		panic(err)
	}
	return func(next http.Handler) http.Handler {
		return wrap(next)
	}
}
