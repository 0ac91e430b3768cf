// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/refresh"
	"github.com/tomtom215/cardpulse/internal/websocket"
)

// ContentTypeNDJSON is the media type of refresh streams.
const ContentTypeNDJSON = "application/x-ndjson"

// HeaderRefreshStarted tells the caller whether its request started the job
// ("true") or joined one already running ("false").
const HeaderRefreshStarted = "X-Refresh-Started"

// StartRefresh handles POST /api/v1/refresh. The body ({start, end, force})
// is optional and query parameters of the same names override it. The
// response streams the job's events as NDJSON until it finishes.
func (h *Handler) StartRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
		return
	}
	applyRefreshQuery(&req, r.URL.Query())
	if apiErr := validateRequest(&req); apiErr != nil {
		respondErrorDetails(w, r, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details, nil)
		return
	}

	sub, started, err := h.refresh.Start(r.Context(), req.toRefresh())
	switch {
	case errors.Is(err, models.ErrInvalidDate):
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil)
		return
	case errors.Is(err, refresh.ErrClosed):
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "Refresh is shutting down", nil)
		return
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to start refresh", err)
		return
	}
	h.stream(w, r, sub, started)
}

func applyRefreshQuery(req *RefreshRequest, q url.Values) {
	if v := q.Get("start"); v != "" {
		req.Start = v
	}
	if v := q.Get("end"); v != "" {
		req.End = v
	}
	if v := q.Get("force"); v != "" {
		req.Force = parseBool(v)
	}
}

// RefreshStream handles GET /api/v1/refresh/stream: it follows the running
// job without starting one. With no job running the stream is the snapshot
// line alone.
func (h *Handler) RefreshStream(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, h.refresh.Subscribe(), false)
}

// RefreshStatus handles GET /api/v1/refresh/status.
func (h *Handler) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, r, h.refresh.Status())
}

// stream copies sub's events to w, one JSON object per line. If the
// subscription was dropped for falling behind, a final error line says so.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, sub *refresh.Subscription, started bool) {
	defer sub.Cancel()
	log := logging.Ctx(r.Context())

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Debug().Err(err).Msg("Could not clear write deadline")
	}

	w.Header().Set("Content-Type", ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(HeaderRefreshStarted, strconv.FormatBool(started))
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	write := func(ev refresh.Event) bool {
		if err := enc.Encode(ev); err != nil {
			log.Debug().Err(err).Msg("Refresh stream client went away")
			return false
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return false
		}
		return true
	}

	var jobID string
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					write(refresh.Event{
						Type:  refresh.EventError,
						JobID: jobID,
						Time:  time.Now().UTC(),
						Data:  refresh.ErrorData{Message: "stream fell behind and was dropped; reconnect to /api/v1/refresh/stream"},
					})
				}
				return
			}
			if ev.JobID != "" {
				jobID = ev.JobID
			}
			if !write(ev) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// WebSocket handles GET /api/v1/ws. New clients first receive the current
// status as a snapshot message.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "Websocket updates are disabled", nil)
		return
	}
	websocket.Handler(h.hub, h.upgrader, h.snapshotMessage)(w, r)
}

func (h *Handler) snapshotMessage() *websocket.Message {
	st := h.refresh.Status()
	ev := refresh.Event{Type: refresh.EventSnapshot, JobID: st.JobID, Time: time.Now().UTC(), Data: st}
	return &websocket.Message{Type: string(ev.Type), Data: ev}
}

// originChecker allows same-host origins and the configured CORS origins.
// "*" allows any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
