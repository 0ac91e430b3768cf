// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package refresh runs the singleton background refresh job and streams its
// progress to any number of subscribers.
//
// A job moves idle → running → done or failed. Starting while a job is
// running does not start another pass; the caller is subscribed to the
// running job instead and receives the same terminal event as the caller
// that started it.
package refresh

import (
	"time"

	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/pipeline"
)

// EventType is the kind of a refresh event.
type EventType string

// Event types. Snapshot is sent once to every new subscriber; the rest are
// broadcast to all subscribers of a job.
const (
	EventSnapshot EventType = "snapshot"
	EventInit     EventType = "init"
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Terminal reports whether the event ends a job.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is one frame of the refresh stream.
type Event struct {
	Type  EventType `json:"type"`
	JobID string    `json:"job_id,omitempty"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// Job states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Status is the current job state, sent as the snapshot event.
type Status struct {
	State       string              `json:"state"`
	JobID       string              `json:"job_id,omitempty"`
	Window      *models.DateRange   `json:"window,omitempty"`
	Force       bool                `json:"force,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	Progress    *pipeline.Progress  `json:"progress,omitempty"`
	Result      *pipeline.RunResult `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
	Subscribers int                 `json:"subscribers"`
}

// InitData is the payload of an init event.
type InitData struct {
	Window models.DateRange `json:"window"`
	Force  bool             `json:"force"`
}

// DoneData is the payload of a done event.
type DoneData struct {
	Window models.DateRange    `json:"window"`
	Result *pipeline.RunResult `json:"result"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}
