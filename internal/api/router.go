// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/cardpulse/internal/middleware"
)

// RouterConfig holds the HTTP security settings.
type RouterConfig struct {
	CORSOrigins        []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RateLimitDisabled  bool
	RefreshTokenSecret string
}

// NewRouter mounts h's handlers:
//
//	POST /api/metrics/funnel        funnel metrics over daily documents
//	POST /api/metrics/ops           job outcome metrics
//	GET  /api/v1/daily              stored days
//	GET  /api/v1/daily/{date}       one daily document
//	GET  /api/v1/registry           tenant registry
//	POST /api/v1/refresh            start or join a refresh (NDJSON)
//	GET  /api/v1/refresh/stream     follow the running refresh (NDJSON)
//	GET  /api/v1/refresh/status     current refresh status
//	GET  /api/v1/ws                 refresh events over websocket
//	GET  /api/v1/health/live|ready  probes
//	GET  /metrics                   Prometheus
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(stampStart)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.PrometheusMetrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, HeaderRefreshStarted},
		MaxAge:         86400,
	}))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, req, http.StatusNotFound, ErrCodeNotFound, "No such endpoint", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, req, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed", nil)
	})

	limit := rateLimit(cfg)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limit, middleware.Compression())
			r.Post("/metrics/funnel", h.Funnel)
			r.Post("/metrics/ops", h.Ops)
		})

		r.Route("/v1", func(r chi.Router) {
			r.Get("/health/live", h.HealthLive)
			r.Get("/health/ready", h.HealthReady)

			r.Group(func(r chi.Router) {
				r.Use(limit, middleware.Compression())
				r.Get("/daily", h.DailyDates)
				r.Get("/daily/{date}", h.DailyDocument)
				r.Get("/registry", h.Registry)
			})

			r.Get("/refresh/status", h.RefreshStatus)
			r.Get("/refresh/stream", h.RefreshStream)
			r.With(limit, RequireRefreshToken(NewTokenVerifier(cfg.RefreshTokenSecret))).
				Post("/refresh", h.StartRefresh)
			r.Get("/ws", h.WebSocket)
		})
	})

	return r
}

func stampStart(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), startKey{}, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit limits per client IP. The 429 body uses the API envelope.
func rateLimit(cfg RouterConfig) func(http.Handler) http.Handler {
	if cfg.RateLimitDisabled || cfg.RateLimitRequests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		cfg.RateLimitRequests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, r, http.StatusTooManyRequests, ErrCodeTooManyRequests, "Rate limit exceeded", nil)
		}),
	)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
