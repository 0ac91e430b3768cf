// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package upstream

import (
	"encoding/hex"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"

	"github.com/tomtom215/cardpulse/internal/models"
)

// Sink accumulates fetched records across instances and deduplicates them.
// It is safe for concurrent use.
type Sink struct {
	mu   sync.Mutex
	seen map[string]struct{}
	rows []models.Record
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{seen: make(map[string]struct{})}
}

// DedupKey returns the global identity of a record fetched from instance:
// the instance name joined with the record id, or with a content hash when
// the record carries no id.
func DedupKey(instance string, rec models.Record) string {
	if id := rec.RecordID(); id != "" {
		return instance + "-" + id
	}
	return instance + "-" + syntheticID(rec)
}

// syntheticID hashes the canonical JSON of a record. Map keys are emitted
// sorted, so equal records hash equally.
func syntheticID(rec models.Record) string {
	data, err := json.Marshal(rec)
	if err != nil {
		return "syn-unhashable"
	}
	sum := blake2b.Sum256(data)
	return "syn-" + hex.EncodeToString(sum[:8])
}

// Add stamps each row with its instance, appends the ones not seen before and
// returns how many were new.
func (s *Sink) Add(instance string, rows []models.Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, r := range rows {
		if r == nil {
			continue
		}
		if _, ok := r[models.InstanceField]; !ok {
			r[models.InstanceField] = instance
		}
		key := DedupKey(instance, r)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.rows = append(s.rows, r)
		added++
	}
	return added
}

// Len returns the number of unique rows.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Rows returns a copy of the accumulated rows in arrival order.
func (s *Sink) Rows() []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Record, len(s.rows))
	copy(out, s.rows)
	return out
}
