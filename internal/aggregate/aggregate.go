// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package aggregate computes range-level exports straight from the raw
// snapshots, without going through the daily rollups. The placements export
// is the third view the reconciliation auditor compares against.
package aggregate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/atomicfile"
	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/snapshot"
)

// File names written next to each other in the export directory.
const (
	PlacementsFile = "placements-by-fi.json"
	SessionsFile   = "sessions-by-fi.json"
	SummaryFile    = "summary.json"
)

// PlacementStats are one FI's placement counts over the range.
type PlacementStats struct {
	Total         int64            `json:"total"`
	Billable      int64            `json:"billable"`
	ByOutcomeCode map[string]int64 `json:"by_outcome_code"`
}

// SessionStats are one FI's session counts over the range.
type SessionStats struct {
	Total       int64 `json:"total"`
	WithJobs    int64 `json:"with_jobs"`
	WithSuccess int64 `json:"with_success"`
}

// GroupStats total an integration group.
type GroupStats struct {
	FICount    int   `json:"fi_count"`
	Sessions   int64 `json:"sessions"`
	Placements int64 `json:"placements"`
	Billable   int64 `json:"billable"`
}

// MerchantStats are one merchant's placement counts.
type MerchantStats struct {
	Merchant string `json:"merchant"`
	Total    int64  `json:"total"`
	Billable int64  `json:"billable"`
}

// Summary is the content of summary.json.
type Summary struct {
	Range     models.DateRange       `json:"range"`
	Groups    map[string]*GroupStats `json:"groups"`
	Merchants []MerchantStats        `json:"merchants"`
	Missing   []string               `json:"missing_days,omitempty"`
}

// Export is the full aggregate over a date range.
type Export struct {
	Placements map[string]*PlacementStats
	Sessions   map[string]*SessionStats
	Summary    Summary
}

// Build reads every sessions and placements snapshot in r and aggregates
// them per FI. A row counts for the day of its own date field; rows dated
// another day are skipped, as the rollup builder does. Missing days and
// error markers are listed in Summary.Missing. reg supplies integration
// groups and may be nil.
func Build(ctx context.Context, store snapshot.Store, r models.DateRange, reg *identity.Registry) (*Export, error) {
	exp := &Export{
		Placements: map[string]*PlacementStats{},
		Sessions:   map[string]*SessionStats{},
		Summary: Summary{
			Range:     r,
			Groups:    map[string]*GroupStats{},
			Merchants: []MerchantStats{},
		},
	}
	merchants := map[string]*MerchantStats{}

	for _, day := range r.Days() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		placements, err := store.Read(ctx, snapshot.TypePlacements, day)
		if err != nil {
			return nil, fmt.Errorf("reading placements for %s: %w", day, err)
		}
		if placements == nil || placements.IsError() {
			exp.Summary.Missing = append(exp.Summary.Missing, "placements:"+day)
		} else {
			for _, rec := range placements.Rows {
				if !models.OnDay(rec.PlacementDate(), day) {
					continue
				}
				key := rec.PlacementFIKey()
				p, ok := exp.Placements[key]
				if !ok {
					p = &PlacementStats{ByOutcomeCode: map[string]int64{}}
					exp.Placements[key] = p
				}
				m, ok := merchants[rec.Merchant()]
				if !ok {
					m = &MerchantStats{Merchant: rec.Merchant()}
					merchants[rec.Merchant()] = m
				}
				p.Total++
				m.Total++
				p.ByOutcomeCode[rec.OutcomeCode()]++
				if rec.IsPlacementSuccess() {
					p.Billable++
					m.Billable++
				}
			}
		}

		sessions, err := store.Read(ctx, snapshot.TypeSessions, day)
		if err != nil {
			return nil, fmt.Errorf("reading sessions for %s: %w", day, err)
		}
		if sessions == nil || sessions.IsError() {
			exp.Summary.Missing = append(exp.Summary.Missing, "sessions:"+day)
			continue
		}
		for _, rec := range sessions.Rows {
			if !models.OnDay(rec.SessionDate(), day) {
				continue
			}
			key := rec.SessionFIKey()
			s, ok := exp.Sessions[key]
			if !ok {
				s = &SessionStats{}
				exp.Sessions[key] = s
			}
			s.Total++
			if rec.HasJobs() {
				s.WithJobs++
			}
			if rec.HasSuccess() {
				s.WithSuccess++
			}
		}
	}

	exp.group(reg)
	for _, m := range merchants {
		exp.Summary.Merchants = append(exp.Summary.Merchants, *m)
	}
	sort.Slice(exp.Summary.Merchants, func(i, j int) bool {
		a, b := exp.Summary.Merchants[i], exp.Summary.Merchants[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Merchant < b.Merchant
	})
	return exp, nil
}

// group totals FIs by integration type.
func (e *Export) group(reg *identity.Registry) {
	integration := func(fi string) string {
		if reg == nil {
			return identity.IntegrationUnknown
		}
		return reg.IntegrationFor(fi)
	}
	get := func(name string) *GroupStats {
		g, ok := e.Summary.Groups[name]
		if !ok {
			g = &GroupStats{}
			e.Summary.Groups[name] = g
		}
		return g
	}

	seen := map[string]bool{}
	for fi, p := range e.Placements {
		g := get(integration(fi))
		g.Placements += p.Total
		g.Billable += p.Billable
		if !seen[fi] {
			seen[fi] = true
			g.FICount++
		}
	}
	for fi, s := range e.Sessions {
		g := get(integration(fi))
		g.Sessions += s.Total
		if !seen[fi] {
			seen[fi] = true
			g.FICount++
		}
	}
}

// Write stores the three export files in dir, each atomically.
func (e *Export) Write(dir string) error {
	files := []struct {
		name string
		v    any
	}{
		{PlacementsFile, e.Placements},
		{SessionsFile, e.Sessions},
		{SummaryFile, e.Summary},
	}
	for _, f := range files {
		data, err := encode(f.v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", f.name, err)
		}
		if err := atomicfile.WriteFile(filepath.Join(dir, f.name), data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	logging.Info().Str("dir", dir).Int("fis", len(e.Placements)).
		Str("start", e.Summary.Range.Start).Str("end", e.Summary.Range.End).Msg("Wrote aggregate export")
	return nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Totals are the placement total and success count of one FI.
type Totals struct {
	Total   int64
	Success int64
}

// ReadPlacementTotals loads a placements-by-fi.json export. Success is read
// from "billable", then "success", then "successful", so exports written by
// older tools still compare. A missing file returns nil, nil.
func ReadPlacementTotals(path string) (map[string]Totals, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var raw map[string]struct {
		Total      *float64 `json:"total"`
		Billable   *float64 `json:"billable"`
		Success    *float64 `json:"success"`
		Successful *float64 `json:"successful"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	out := make(map[string]Totals, len(raw))
	for key, v := range raw {
		fi := strings.ToLower(strings.TrimSpace(key))
		if fi == "" {
			continue
		}
		t := out[fi]
		t.Total += int64(deref(v.Total))
		switch {
		case v.Billable != nil:
			t.Success += int64(*v.Billable)
		case v.Success != nil:
			t.Success += int64(*v.Success)
		case v.Successful != nil:
			t.Success += int64(*v.Successful)
		}
		out[fi] = t
	}
	return out, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
