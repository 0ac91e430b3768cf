// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
)

func TestRequestID(t *testing.T) {
	t.Parallel()

	var seen, correlation string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestIDFromContext(r.Context())
		correlation = logging.CorrelationIDFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		header   string
		wantSame bool
	}{
		{"generated", "", false},
		{"propagated", "req-abc-123", true},
		{"oversized replaced", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set(RequestIDHeader, tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		got := rec.Header().Get(RequestIDHeader)
		if got != seen {
			t.Errorf("%s: header %q != context %q", tt.name, got, seen)
		}
		if tt.wantSame && got != tt.header {
			t.Errorf("%s: id = %q, want %q", tt.name, got, tt.header)
		}
		if !tt.wantSame {
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("%s: generated id %q is not a uuid", tt.name, got)
			}
		}
		if correlation == "" {
			t.Errorf("%s: no correlation id", tt.name)
		}
	}
}

func TestPrometheusMetricsUsesRoutePattern(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Use(PrometheusMetrics)
	r.Get("/api/v1/daily/{date}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/api/v1/registry", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})

	notFound := metrics.APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/daily/{date}", "404")
	ok := metrics.APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/registry", "200")
	beforeNotFound, beforeOK := testutil.ToFloat64(notFound), testutil.ToFloat64(ok)

	for _, path := range []string{"/api/v1/daily/2025-01-01", "/api/v1/daily/2025-01-02", "/api/v1/registry"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(notFound) - beforeNotFound; got != 2 {
		t.Errorf("daily 404 delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ok) - beforeOK; got != 1 {
		t.Errorf("registry 200 delta = %v, want 1", got)
	}
}

func TestPrometheusMetricsKeepsFlusher(t *testing.T) {
	t.Parallel()

	var flushable bool
	h := PrometheusMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, flushable = w.(http.Flusher)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil))
	if !flushable {
		t.Error("wrapped writer lost http.Flusher")
	}
}

func TestCompression(t *testing.T) {
	t.Parallel()

	big := `{"data":"` + strings.Repeat("a", 4096) + `"}`
	h := Compression()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/small" {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		_, _ = w.Write([]byte(big))
	}))

	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("large body not compressed: %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != big {
		t.Error("decompressed body differs")
	}

	req = httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "" || rec.Body.String() != `{"ok":true}` {
		t.Errorf("small body = %q (%v)", rec.Body.String(), rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/big", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "" {
		t.Error("compressed for a client without gzip")
	}
}
