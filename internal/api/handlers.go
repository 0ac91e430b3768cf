// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"

	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/refresh"
	"github.com/tomtom215/cardpulse/internal/rollup"
	"github.com/tomtom215/cardpulse/internal/websocket"
)

// RefreshService is the refresh orchestrator as the API uses it.
type RefreshService interface {
	Start(ctx context.Context, req refresh.Request) (*refresh.Subscription, bool, error)
	Subscribe() *refresh.Subscription
	Status() refresh.Status
}

// RegistryLoader reads the persisted registry.
type RegistryLoader interface {
	Load(rules *identity.Rules) (*identity.Registry, error)
}

// HandlerOptions wire a Handler. Hub and Ready are optional.
type HandlerOptions struct {
	Daily          rollup.Reader
	Registry       RegistryLoader
	Rules          *identity.Rules
	Refresh        RefreshService
	Hub            *websocket.Hub
	AllowedOrigins []string
	// Ready reports whether the service can answer queries. Defaults to
	// listing the daily documents.
	Ready func(ctx context.Context) error
}

// Handler serves the cardpulse API.
type Handler struct {
	daily    rollup.Reader
	registry RegistryLoader
	rules    *identity.Rules
	refresh  RefreshService
	hub      *websocket.Hub
	upgrader gws.Upgrader
	ready    func(ctx context.Context) error
	started  time.Time
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		daily:    opts.Daily,
		registry: opts.Registry,
		rules:    opts.Rules,
		refresh:  opts.Refresh,
		hub:      opts.Hub,
		ready:    opts.Ready,
		started:  time.Now(),
	}
	h.upgrader = gws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	if h.ready == nil {
		h.ready = func(context.Context) error {
			_, err := h.daily.Dates()
			return err
		}
	}
	return h
}

// Funnel handles POST /api/metrics/funnel.
func (h *Handler) Funnel(w http.ResponseWriter, r *http.Request) {
	q, docs, ok := h.metricsInput(w, r)
	if !ok {
		return
	}
	respondSuccess(w, r, rollup.Funnel(docs, q))
}

// Ops handles POST /api/metrics/ops.
func (h *Handler) Ops(w http.ResponseWriter, r *http.Request) {
	q, docs, ok := h.metricsInput(w, r)
	if !ok {
		return
	}
	respondSuccess(w, r, rollup.Ops(docs, q))
}

// metricsInput decodes and validates a metrics request and reads the
// documents of its range. It writes the error response itself.
func (h *Handler) metricsInput(w http.ResponseWriter, r *http.Request) (rollup.Query, []*rollup.Document, bool) {
	var req MetricsRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
		return rollup.Query{}, nil, false
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondErrorDetails(w, r, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details, nil)
		return rollup.Query{}, nil, false
	}
	q, err := req.Query()
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
		return rollup.Query{}, nil, false
	}
	docs, err := rollup.ReadRange(h.daily, q.Range)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to read daily documents", err)
		return rollup.Query{}, nil, false
	}
	return q, docs, true
}

// DailyDates handles GET /api/v1/daily.
func (h *Handler) DailyDates(w http.ResponseWriter, r *http.Request) {
	dates, err := h.daily.Dates()
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to list daily documents", err)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	respondSuccess(w, r, map[string]any{"dates": dates, "count": len(dates)})
}

// DailyDocument handles GET /api/v1/daily/{date}.
func (h *Handler) DailyDocument(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "date")
	if !models.ValidDate(day) {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, "date must be a date in YYYY-MM-DD format", nil)
		return
	}
	doc, err := h.daily.Read(day)
	if errors.Is(err, rollup.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "No daily document for "+day, nil)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to read daily document", err)
		return
	}
	respondSuccess(w, r, doc)
}

// Registry handles GET /api/v1/registry.
func (h *Handler) Registry(w http.ResponseWriter, r *http.Request) {
	reg, err := h.registry.Load(h.rules)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to load registry", err)
		return
	}
	entries := reg.Entries()
	if entries == nil {
		entries = []identity.Entry{}
	}
	respondSuccess(w, r, map[string]any{"entries": entries, "count": len(entries)})
}

// HealthLive handles GET /api/v1/health/live.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, r, map[string]any{
		"alive":          true,
		"uptime_seconds": time.Since(h.started).Seconds(),
	})
}

// HealthReady handles GET /api/v1/health/ready. It answers 503 while the
// daily store is unreadable.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.ready(ctx); err != nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "Not ready", err)
		return
	}
	respondSuccess(w, r, map[string]any{
		"ready":         true,
		"refresh_state": h.refresh.Status().State,
	})
}
