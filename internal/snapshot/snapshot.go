// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package snapshot stores raw per-day fetch results, one per (type, date).
//
// A snapshot that exists, whether it holds rows or an error marker, means
// "already attempted": callers consult Policy before fetching again, and only
// a forced fetch overwrites it. Malformed snapshots read as absent.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/models"
)

// Type is the kind of data a snapshot holds.
type Type string

// Snapshot types.
const (
	TypeAnalytics  Type = "analytics"
	TypeSessions   Type = "sessions"
	TypePlacements Type = "placements"
)

// AllTypes lists every snapshot type in fetch order.
var AllTypes = []Type{TypeAnalytics, TypeSessions, TypePlacements}

// ErrInvalidType is returned for an unknown snapshot type.
var ErrInvalidType = errors.New("invalid snapshot type")

// ParseType validates a type name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeAnalytics, TypeSessions, TypePlacements:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// ArrayKey is the JSON key the rows are stored under.
func (t Type) ArrayKey() string {
	switch t {
	case TypeSessions:
		return "sessions"
	case TypePlacements:
		return "placements"
	default:
		return "rows"
	}
}

// InstanceError records one instance that failed during the fetch.
type InstanceError struct {
	Instance string `json:"instance"`
	Error    string `json:"error"`
}

// Snapshot is one stored fetch result.
type Snapshot struct {
	Date      string
	Type      Type
	FetchedAt time.Time
	Rows      []models.Record

	// Error marks a fetch that failed as a whole. Rows are empty.
	Error string

	// Errors lists instances that failed while others succeeded.
	Errors []InstanceError
}

// New builds a successful snapshot.
func New(t Type, date string, rows []models.Record, fetchedAt time.Time) *Snapshot {
	if rows == nil {
		rows = []models.Record{}
	}
	return &Snapshot{Date: date, Type: t, Rows: rows, FetchedAt: fetchedAt.UTC()}
}

// NewError builds an error marker.
func NewError(t Type, date string, err error, fetchedAt time.Time) *Snapshot {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Snapshot{Date: date, Type: t, Rows: []models.Record{}, Error: msg, FetchedAt: fetchedAt.UTC()}
}

// IsError reports whether the snapshot is an error marker.
func (s *Snapshot) IsError() bool {
	return s != nil && s.Error != ""
}

// Count returns the number of rows.
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

// Validate checks the snapshot can be stored.
func (s *Snapshot) Validate() error {
	if _, err := ParseType(string(s.Type)); err != nil {
		return err
	}
	if !models.ValidDate(s.Date) {
		return fmt.Errorf("%w: %q", models.ErrInvalidDate, s.Date)
	}
	return nil
}

// MarshalJSON writes {date, type, count, fetched_at, <array key>, error?, errors?}.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"date":           s.Date,
		"type":           s.Type,
		"count":          s.Count(),
		s.Type.ArrayKey(): nonNilRows(s.Rows),
	}
	if !s.FetchedAt.IsZero() {
		out["fetched_at"] = s.FetchedAt.UTC().Format(time.RFC3339)
	}
	if s.Error != "" {
		out["error"] = s.Error
	}
	if len(s.Errors) > 0 {
		out["errors"] = s.Errors
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a stored snapshot. The row array is taken from the
// type's own key, falling back to "rows".
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		Date       string          `json:"date"`
		Type       Type            `json:"type"`
		FetchedAt  string          `json:"fetched_at"`
		Error      string          `json:"error"`
		Errors     []InstanceError `json:"errors"`
		Rows       []models.Record `json:"rows"`
		Sessions   []models.Record `json:"sessions"`
		Placements []models.Record `json:"placements"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Snapshot{Date: raw.Date, Type: raw.Type, Error: raw.Error, Errors: raw.Errors}
	if raw.FetchedAt != "" {
		if t, err := time.Parse(time.RFC3339, raw.FetchedAt); err == nil {
			s.FetchedAt = t
		}
	}
	switch {
	case raw.Type == TypeSessions && raw.Sessions != nil:
		s.Rows = raw.Sessions
	case raw.Type == TypePlacements && raw.Placements != nil:
		s.Rows = raw.Placements
	default:
		s.Rows = raw.Rows
	}
	s.Rows = nonNilRows(s.Rows)
	return nil
}

// errNullDocument rejects a stored document that is the JSON literal null.
var errNullDocument = errors.New("snapshot document is null")

// decodeStored parses a stored snapshot document. Anything that does not
// decode to a snapshot object is an error, so the stores treat it as absent.
func decodeStored(data []byte) (*Snapshot, error) {
	var snap *Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errNullDocument
	}
	return snap, nil
}

func nonNilRows(rows []models.Record) []models.Record {
	if rows == nil {
		return []models.Record{}
	}
	return rows
}

// Store is the snapshot persistence contract. Implementations replace a
// snapshot atomically: a concurrent Read sees the old or the new content.
type Store interface {
	// Exists reports whether a readable snapshot is stored.
	Exists(ctx context.Context, t Type, date string) (bool, error)

	// Read returns the snapshot, or nil when absent or malformed.
	Read(ctx context.Context, t Type, date string) (*Snapshot, error)

	// Write stores s, replacing any existing snapshot for its (type, date).
	Write(ctx context.Context, s *Snapshot) error

	// Dates lists the stored dates of a type in ascending order.
	Dates(ctx context.Context, t Type) ([]string, error)

	Close() error
}
