// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package reconcile cross-checks the three independently derived placement
// views: the raw snapshots, the daily rollups and the aggregate export.
// It only reads.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tomtom215/cardpulse/internal/aggregate"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/rollup"
	"github.com/tomtom215/cardpulse/internal/snapshot"
)

// Notes attached to report rows.
const (
	NoteRawDaily       = "RAW!=DAILY"
	NoteDailyAggregate = "DAILY!=AGGREGATE"
	NoteNoSuccess      = "no-success-data"
)

// AllFIs is the filter value that audits every FI.
const AllFIs = "all"

// Counts are a success count and a total.
type Counts struct {
	Success int64
	Total   int64
}

func (c *Counts) add(o Counts) {
	c.Success += o.Success
	c.Total += o.Total
}

// Row is one FI's comparison.
type Row struct {
	FI        string
	Raw       Counts
	Daily     Counts
	Aggregate Counts
	Notes     []string
}

// OK reports whether the three success counts agree. It uses the same
// comparison as the RAW!=DAILY and DAILY!=AGGREGATE notes.
func (r Row) OK() bool {
	return r.Raw.Success == r.Daily.Success && r.Daily.Success == r.Aggregate.Success
}

// Report is the result of one audit.
type Report struct {
	Range  models.DateRange
	Filter string
	Rows   []Row
	Total  Row

	// AggregateMissing is set when no aggregate export was found.
	AggregateMissing bool
}

// Mismatches returns the rows carrying a RAW!=DAILY or DAILY!=AGGREGATE note.
func (r *Report) Mismatches() []Row {
	var out []Row
	for _, row := range r.Rows {
		for _, n := range row.Notes {
			if n == NoteRawDaily || n == NoteDailyAggregate {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

// Auditor compares the three views.
type Auditor struct {
	snapshots     snapshot.Store
	daily         rollup.Reader
	aggregatePath string
}

// NewAuditor creates an auditor over the given stores. aggregatePath is the
// placements-by-fi.json export.
func NewAuditor(snapshots snapshot.Store, daily rollup.Reader, aggregatePath string) *Auditor {
	return &Auditor{snapshots: snapshots, daily: daily, aggregatePath: aggregatePath}
}

// Audit compares placements for fiFilter (an FI lookup key, or "ALL") over r.
func (a *Auditor) Audit(ctx context.Context, fiFilter string, r models.DateRange) (*Report, error) {
	if _, err := models.NewDateRange(r.Start, r.End); err != nil {
		return nil, err
	}
	filter := strings.ToLower(strings.TrimSpace(fiFilter))
	if filter == "" {
		filter = AllFIs
	}
	keep := func(fi string) bool { return filter == AllFIs || fi == filter }

	raw := map[string]Counts{}
	daily := map[string]Counts{}

	for _, day := range r.Days() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap, err := a.snapshots.Read(ctx, snapshot.TypePlacements, day)
		if err != nil {
			return nil, fmt.Errorf("reading raw placements for %s: %w", day, err)
		}
		if snap != nil && !snap.IsError() {
			for _, rec := range snap.Rows {
				fi := rec.PlacementFIKey()
				if !keep(fi) {
					continue
				}
				c := raw[fi]
				c.Total++
				if rec.IsPlacementSuccess() {
					c.Success++
				}
				raw[fi] = c
			}
		}

		doc, err := a.daily.Read(day)
		if errors.Is(err, rollup.ErrNotFound) {
			continue
		}
		if err != nil {
			// A damaged rollup should show up as a mismatch, not stop the audit.
			logging.Warn().Err(err).Str("date", day).Msg("Skipping unreadable daily document")
			continue
		}
		for key, fr := range doc.FI {
			fi := strings.ToLower(key)
			if !keep(fi) {
				continue
			}
			c := daily[fi]
			c.add(Counts{Success: fr.Placements.Successful, Total: fr.Placements.Total})
			daily[fi] = c
		}
	}

	agg := map[string]Counts{}
	totals, err := aggregate.ReadPlacementTotals(a.aggregatePath)
	if err != nil {
		return nil, fmt.Errorf("reading aggregate export: %w", err)
	}
	for fi, t := range totals {
		if keep(fi) {
			agg[fi] = Counts{Success: t.Success, Total: t.Total}
		}
	}

	report := &Report{Range: r, Filter: filter, Total: Row{FI: "TOTAL"}, AggregateMissing: totals == nil}
	keys := map[string]bool{}
	for _, m := range []map[string]Counts{raw, daily, agg} {
		for k := range m {
			keys[k] = true
		}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, fi := range sorted {
		row := Row{FI: fi, Raw: raw[fi], Daily: daily[fi], Aggregate: agg[fi]}
		if row.Raw.Success != row.Daily.Success {
			row.Notes = append(row.Notes, NoteRawDaily)
		}
		if row.Daily.Success != row.Aggregate.Success {
			row.Notes = append(row.Notes, NoteDailyAggregate)
		}
		if row.Raw.Success == 0 && row.Daily.Success == 0 && row.Aggregate.Success == 0 {
			row.Notes = append(row.Notes, NoteNoSuccess)
		}
		report.Rows = append(report.Rows, row)
		report.Total.Raw.add(row.Raw)
		report.Total.Daily.add(row.Daily)
		report.Total.Aggregate.add(row.Aggregate)
	}

	logging.Info().Str("fi", filter).Str("start", r.Start).Str("end", r.End).
		Int("fis", len(report.Rows)).Int("mismatches", len(report.Mismatches())).Msg("Audit complete")
	return report, nil
}
