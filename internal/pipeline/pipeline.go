// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package pipeline drives one ingestion pass: for each day it fetches the raw
// snapshots that the refresh policy asks for, folds the day's observations
// into the FI registry and writes the day's rollup document.
//
// Days run sequentially. Within a day the instances of each upstream type are
// fetched in parallel, bounded by upstream.max_concurrency, into one shared
// dedup sink followed by a single snapshot write per (type, day).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/cardpulse/internal/analytics"
	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/rollup"
	"github.com/tomtom215/cardpulse/internal/snapshot"
	"github.com/tomtom215/cardpulse/internal/upstream"
)

// ErrInvalidDate is returned for malformed or reversed date arguments.
var ErrInvalidDate = models.ErrInvalidDate

// ErrNoInstances is recorded in an error marker when no upstream instance is configured.
var ErrNoInstances = errors.New("no upstream instances configured")

// Phases reported through Progress.
const (
	PhaseFetch  = "fetch"
	PhaseRollup = "rollup"
)

// Progress describes the step a run is about to take.
type Progress struct {
	Phase string `json:"phase"`
	Day   string `json:"day"`
	Index int    `json:"index"`
	Total int    `json:"total"`
}

// ProgressFunc receives progress updates. It is called on the run goroutine
// and must not block.
type ProgressFunc func(Progress)

// FetchResult is the outcome of one (type, day) unit.
type FetchResult struct {
	Type    snapshot.Type            `json:"type"`
	Date    string                   `json:"date"`
	Fetched bool                     `json:"fetched"`
	Reason  string                   `json:"reason"`
	Rows    int                      `json:"rows"`
	Error   string                   `json:"error,omitempty"`
	Errors  []snapshot.InstanceError `json:"errors,omitempty"`
}

// RunResult summarizes a Run.
type RunResult struct {
	Range           models.DateRange `json:"range"`
	Days            int              `json:"days"`
	Fetched         int              `json:"fetched"`
	Skipped         int              `json:"skipped"`
	Failed          int              `json:"failed"`
	RegistryEntries int              `json:"registry_entries"`
}

func (r *RunResult) count(results []FetchResult) {
	for _, fr := range results {
		switch {
		case !fr.Fetched:
			r.Skipped++
		case fr.Error != "":
			r.Failed++
		default:
			r.Fetched++
		}
	}
}

// Options wires a Pipeline.
type Options struct {
	Sessions  *upstream.SessionManager
	Fetcher   *upstream.Fetcher
	Analytics analytics.Fetcher // nil disables the analytics type
	Snapshots snapshot.Store
	Policy    snapshot.Policy
	Daily     *rollup.DirStore
	Registry  *identity.FileStore
	Rules     *identity.Rules

	MaxConcurrency int
}

// Pipeline fetches, folds and rolls up days.
type Pipeline struct {
	sessions       *upstream.SessionManager
	fetcher        *upstream.Fetcher
	analytics      analytics.Fetcher
	snapshots      snapshot.Store
	policy         snapshot.Policy
	daily          *rollup.DirStore
	registry       *identity.FileStore
	rules          *identity.Rules
	maxConcurrency int

	now func() time.Time
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		sessions:       opts.Sessions,
		fetcher:        opts.Fetcher,
		analytics:      opts.Analytics,
		snapshots:      opts.Snapshots,
		policy:         opts.Policy,
		daily:          opts.Daily,
		registry:       opts.Registry,
		rules:          opts.Rules,
		maxConcurrency: opts.MaxConcurrency,
		now:            time.Now,
	}
	if p.sessions == nil {
		p.sessions = upstream.NewSessionManager()
	}
	if p.fetcher == nil {
		p.fetcher = upstream.NewFetcher(0)
	}
	if p.maxConcurrency < 1 {
		p.maxConcurrency = 1
	}
	return p
}

// Today returns the current UTC day as seen by the pipeline.
func (p *Pipeline) Today() string {
	return models.Today(p.now())
}

// Run processes every day of r in order: fetch, fold into the registry,
// build the rollup, save the registry. Cancellation is honoured between days;
// a day that has started is finished first.
func (p *Pipeline) Run(ctx context.Context, r models.DateRange, force bool, progress ProgressFunc) (*RunResult, error) {
	if _, err := models.NewDateRange(r.Start, r.End); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	p.sessions.Reset()
	reg, err := p.registry.Load(p.rules)
	if err != nil {
		return nil, err
	}

	days := r.Days()
	res := &RunResult{Range: r}
	log := logging.Ctx(ctx)
	log.Info().Str("range", r.String()).Int("days", len(days)).Bool("force", force).Msg("Pipeline run starting")

	for i, day := range days {
		if err := ctx.Err(); err != nil {
			log.Warn().Str("date", day).Msg("Pipeline run cancelled before day")
			return res, err
		}

		progress(Progress{Phase: PhaseFetch, Day: day, Index: i + 1, Total: len(days)})
		results, err := p.FetchDay(ctx, day, snapshot.AllTypes, force)
		if err != nil {
			return res, fmt.Errorf("fetching %s: %w", day, err)
		}
		res.count(results)

		if err := p.fold(ctx, reg, day); err != nil {
			return res, fmt.Errorf("updating registry for %s: %w", day, err)
		}

		progress(Progress{Phase: PhaseRollup, Day: day, Index: i + 1, Total: len(days)})
		if _, err := p.buildDay(ctx, day, reg); err != nil {
			return res, fmt.Errorf("building rollup for %s: %w", day, err)
		}
		if err := p.registry.Save(reg); err != nil {
			return res, err
		}
		res.Days++
	}

	res.RegistryEntries = reg.Len()
	if failures := p.sessions.Failures(); len(failures) > 0 {
		log.Warn().Strs("instances", sortedKeys(failures)).Msg("Some instances could not log in during this run")
	}
	log.Info().Str("range", r.String()).
		Int("fetched", res.Fetched).Int("skipped", res.Skipped).Int("failed", res.Failed).
		Int("registry_entries", res.RegistryEntries).
		Msg("Pipeline run finished")
	return res, nil
}

// FetchDay fetches the requested types for one day, honouring the refresh
// policy. An instance that fails does not fail the day; when every instance
// fails an error marker is stored instead of rows. The returned error is
// reserved for store failures and cancellation.
func (p *Pipeline) FetchDay(ctx context.Context, day string, types []snapshot.Type, force bool) ([]FetchResult, error) {
	if !models.ValidDate(day) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, day)
	}
	today := p.Today()
	results := make([]FetchResult, 0, len(types))
	for _, t := range types {
		fr, err := p.fetchType(ctx, t, day, today, force)
		if err != nil {
			return results, err
		}
		results = append(results, fr)
	}
	return results, nil
}

func (p *Pipeline) fetchType(ctx context.Context, t snapshot.Type, day, today string, force bool) (FetchResult, error) {
	log := logging.Ctx(ctx).With().Str("type", string(t)).Str("date", day).Logger()
	fr := FetchResult{Type: t, Date: day}

	if t == snapshot.TypeAnalytics && p.analytics == nil {
		fr.Reason = "analytics disabled"
		log.Debug().Msg("Analytics disabled; not fetching")
		return fr, nil
	}

	existing, err := p.snapshots.Read(ctx, t, day)
	if err != nil {
		return fr, err
	}
	decision := p.policy.ShouldFetch(existing, day, today, force)
	fr.Reason = decision.Reason
	if !decision.Fetch {
		fr.Rows = existing.Count()
		metrics.RecordSnapshotOp(string(t), "skip")
		log.Info().Str("reason", decision.Reason).Int("rows", fr.Rows).Msg("Snapshot present; skipping fetch")
		return fr, nil
	}

	log.Info().Str("reason", decision.Reason).Msg("Fetching snapshot")
	var snap *snapshot.Snapshot
	switch t {
	case snapshot.TypeAnalytics:
		snap, err = p.fetchAnalytics(ctx, day)
	case snapshot.TypeSessions:
		snap, err = p.fetchUpstream(ctx, t, upstream.ResourceSessions, day)
	case snapshot.TypePlacements:
		snap, err = p.fetchUpstream(ctx, t, upstream.ResourcePlacements, day)
	default:
		_, err = snapshot.ParseType(string(t))
	}
	if err != nil {
		return fr, err
	}

	if err := p.snapshots.Write(ctx, snap); err != nil {
		return fr, fmt.Errorf("writing %s snapshot for %s: %w", t, day, err)
	}
	fr.Fetched = true
	fr.Rows = snap.Count()
	fr.Error = snap.Error
	fr.Errors = snap.Errors
	if snap.IsError() {
		log.Warn().Str("error", snap.Error).Msg("Fetch failed; stored error marker")
	} else {
		log.Info().Int("rows", fr.Rows).Int("failed_instances", len(snap.Errors)).Msg("Stored snapshot")
	}
	return fr, nil
}

// fetchUpstream fans out over every instance. Only cancellation is returned
// as an error; upstream failures end up in the snapshot.
func (p *Pipeline) fetchUpstream(ctx context.Context, t snapshot.Type, resource, day string) (*snapshot.Snapshot, error) {
	instances := p.sessions.Instances()
	if len(instances) == 0 {
		return snapshot.NewError(t, day, ErrNoInstances, p.now()), nil
	}

	sink := upstream.NewSink()
	r := models.DateRange{Start: day, End: day}

	var (
		mu     sync.Mutex
		failed []snapshot.InstanceError
	)
	fail := func(inst string, err error) {
		mu.Lock()
		failed = append(failed, snapshot.InstanceError{Instance: inst, Error: err.Error()})
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(p.maxConcurrency)
	for _, inst := range instances {
		g.Go(func() error {
			h, err := p.sessions.Get(ctx, inst)
			if err != nil {
				fail(inst, err)
				return nil
			}
			api, ok := p.sessions.Client(inst)
			if !ok {
				fail(inst, fmt.Errorf("no client for instance %q", inst))
				return nil
			}
			if _, err := p.fetcher.FetchAll(ctx, api, h, inst, resource, r, sink); err != nil {
				fail(inst, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].Instance < failed[j].Instance })
	if len(failed) == len(instances) {
		msgs := make([]string, len(failed))
		for i, f := range failed {
			msgs[i] = f.Instance + ": " + f.Error
		}
		return snapshot.NewError(t, day, errors.New(strings.Join(msgs, "; ")), p.now()), nil
	}

	snap := snapshot.New(t, day, sink.Rows(), p.now())
	snap.Errors = failed
	return snap, nil
}

func (p *Pipeline) fetchAnalytics(ctx context.Context, day string) (*snapshot.Snapshot, error) {
	rows, err := p.analytics.FetchDay(ctx, day)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return snapshot.NewError(snapshot.TypeAnalytics, day, err, p.now()), nil
	}
	recs, err := models.AnalyticsRowsToRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("encoding analytics rows: %w", err)
	}
	return snapshot.New(snapshot.TypeAnalytics, day, recs, p.now()), nil
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
