// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/rollup"
	"github.com/tomtom215/cardpulse/internal/snapshot"
)

// BuildRange rebuilds the rollup document of every day in r from stored
// snapshots without fetching anything. The registry is read, not written.
func (p *Pipeline) BuildRange(ctx context.Context, r models.DateRange) ([]*rollup.Document, error) {
	if _, err := models.NewDateRange(r.Start, r.End); err != nil {
		return nil, err
	}
	reg, err := p.registry.Load(p.rules)
	if err != nil {
		return nil, err
	}
	docs := make([]*rollup.Document, 0, len(r.Days()))
	for _, day := range r.Days() {
		if err := ctx.Err(); err != nil {
			return docs, err
		}
		doc, err := p.buildDay(ctx, day, reg)
		if err != nil {
			return docs, fmt.Errorf("building rollup for %s: %w", day, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// BuildDay rebuilds one day's rollup document against the saved registry.
func (p *Pipeline) BuildDay(ctx context.Context, day string) (*rollup.Document, error) {
	if !models.ValidDate(day) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, day)
	}
	reg, err := p.registry.Load(p.rules)
	if err != nil {
		return nil, err
	}
	return p.buildDay(ctx, day, reg)
}

func (p *Pipeline) buildDay(ctx context.Context, day string, reg *identity.Registry) (*rollup.Document, error) {
	start := time.Now()

	snaps, err := p.readDay(ctx, day)
	if err != nil {
		return nil, err
	}
	in, err := rollup.InputsFromSnapshots(snaps[snapshot.TypeAnalytics], snaps[snapshot.TypeSessions], snaps[snapshot.TypePlacements])
	if err != nil {
		return nil, err
	}

	doc := rollup.Build(day, in, reg)
	if err := p.daily.Write(doc); err != nil {
		return nil, err
	}
	metrics.RecordRollupBuild(time.Since(start), len(doc.FI))
	logging.Ctx(ctx).Info().Str("date", day).Int("fis", len(doc.FI)).
		Bool("analytics", doc.Sources.Analytics).
		Bool("sessions", doc.Sources.Sessions).
		Bool("placements", doc.Sources.Placements).
		Msg("Wrote daily rollup")
	return doc, nil
}

func (p *Pipeline) readDay(ctx context.Context, day string) (map[snapshot.Type]*snapshot.Snapshot, error) {
	out := make(map[snapshot.Type]*snapshot.Snapshot, len(snapshot.AllTypes))
	for _, t := range snapshot.AllTypes {
		snap, err := p.snapshots.Read(ctx, t, day)
		if err != nil {
			return nil, fmt.Errorf("reading %s snapshot: %w", t, err)
		}
		out[t] = snap
	}
	return out, nil
}

// fold merges one day's sessions, placements and analytics traffic into reg.
// Error markers and absent snapshots contribute nothing.
func (p *Pipeline) fold(ctx context.Context, reg *identity.Registry, day string) error {
	snaps, err := p.readDay(ctx, day)
	if err != nil {
		return err
	}

	before := reg.Len()
	if s := snaps[snapshot.TypeSessions]; s != nil && !s.IsError() {
		for _, rec := range s.Rows {
			reg.Upsert(identity.ObservationFromSession(rec))
		}
	}
	if s := snaps[snapshot.TypePlacements]; s != nil && !s.IsError() {
		for _, rec := range s.Rows {
			reg.Upsert(identity.ObservationFromPlacement(rec))
		}
	}
	if s := snaps[snapshot.TypeAnalytics]; s != nil && !s.IsError() {
		rows, err := models.AnalyticsRowsFromRecords(s.Rows)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("date", day).Msg("Unreadable analytics rows; traffic dates not updated")
		}
		for _, row := range rows {
			d := row.Date
			if d == "" {
				d = day
			}
			reg.UpsertTraffic(identity.Identity{FIKey: row.FIKey, Instance: row.Instance}, d)
		}
	}

	if added := reg.Len() - before; added > 0 {
		logging.Ctx(ctx).Info().Str("date", day).Int("added", added).Int("entries", reg.Len()).Msg("New FI registry entries")
	}
	return nil
}

// RebuildRegistry refolds every stored snapshot into
// the saved registry and saves it. Curated fields are kept.
func (p *Pipeline) RebuildRegistry(ctx context.Context) (*identity.Registry, error) {
	reg, err := p.registry.Load(p.rules)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var days []string
	for _, t := range snapshot.AllTypes {
		dates, err := p.snapshots.Dates(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("listing %s snapshots: %w", t, err)
		}
		for _, d := range dates {
			if !seen[d] {
				seen[d] = true
				days = append(days, d)
			}
		}
	}
	sort.Strings(days)

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.fold(ctx, reg, day); err != nil {
			return nil, err
		}
	}
	reg.Reclassify()
	if err := p.registry.Save(reg); err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Int("days", len(days)).Int("entries", reg.Len()).Msg("Rebuilt FI registry")
	return reg, nil
}

// Backfill adds registry entries for (FI, instance) pairs that appear in
// daily documents but not in the registry. It returns the keys added.
func (p *Pipeline) Backfill(ctx context.Context) ([]string, error) {
	reg, err := p.registry.Load(p.rules)
	if err != nil {
		return nil, err
	}
	dates, err := p.daily.Dates()
	if err != nil {
		return nil, err
	}

	var candidates []identity.Candidate
	for _, day := range dates {
		doc, err := p.daily.Read(day)
		if errors.Is(err, rollup.ErrNotFound) {
			continue
		}
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("date", day).Msg("Skipping unreadable daily document")
			continue
		}
		for _, ic := range doc.FIInstances {
			candidates = append(candidates, identity.Candidate{FIKey: ic.FILookupKey, Instance: ic.Instance})
		}
	}

	added := reg.Backfill(candidates)
	if len(added) == 0 {
		return nil, nil
	}
	if err := p.registry.Save(reg); err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Int("added", len(added)).Int("entries", reg.Len()).Msg("Backfilled FI registry from daily documents")
	return added, nil
}
