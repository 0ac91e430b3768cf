// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package aggregate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/snapshot"
)

func seedStore(t *testing.T) snapshot.Store {
	t.Helper()
	store, err := snapshot.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Now()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(store.Write(ctx, snapshot.New(snapshot.TypePlacements, "2025-01-01", []models.Record{
		{"fi_lookup_key": "Alpha", "termination_type": "BILLABLE", "merchant_site_hostname": "amazon.com"},
		{"fi_lookup_key": "alpha", "status": "SUCCESSFUL", "merchant_site_hostname": "netflix.com"},
		{"fi_lookup_key": "beta", "termination_type": "CANCELED", "merchant_site_hostname": "amazon.com"},
	}, now)))
	must(store.Write(ctx, snapshot.New(snapshot.TypeSessions, "2025-01-01", []models.Record{
		{"financial_institution_lookup_key": "alpha", "total_jobs": float64(2), "successful_jobs": float64(1)},
		{"financial_institution_lookup_key": "gamma"},
	}, now)))
	must(store.Write(ctx, snapshot.NewError(snapshot.TypePlacements, "2025-01-02", errors.New("down"), now)))
	return store
}

func TestBuild(t *testing.T) {
	t.Parallel()

	reg := identity.NewRegistry(identity.NewRules(nil, []string{"pscu"}, nil, nil))
	reg.Upsert(identity.Observation{LookupKey: "alpha", Instance: "pscu", Source: identity.SourcePlacement, SeenDate: "2025-01-01"})

	exp, err := Build(context.Background(), seedStore(t), models.DateRange{Start: "2025-01-01", End: "2025-01-02"}, reg)
	if err != nil {
		t.Fatal(err)
	}

	alpha := exp.Placements["alpha"]
	if alpha == nil || alpha.Total != 2 || alpha.Billable != 2 || alpha.ByOutcomeCode["BILLABLE"] != 1 {
		t.Errorf("alpha placements = %+v", alpha)
	}
	if beta := exp.Placements["beta"]; beta == nil || beta.Billable != 0 || beta.ByOutcomeCode["CANCELED"] != 1 {
		t.Errorf("beta placements = %+v", beta)
	}
	if s := exp.Sessions["alpha"]; s == nil || *s != (SessionStats{Total: 1, WithJobs: 1, WithSuccess: 1}) {
		t.Errorf("alpha sessions = %+v", s)
	}

	sso := exp.Summary.Groups[identity.IntegrationSSO]
	if sso == nil || sso.FICount != 1 || sso.Placements != 2 || sso.Sessions != 1 {
		t.Errorf("sso group = %+v", sso)
	}
	unknown := exp.Summary.Groups[identity.IntegrationUnknown]
	if unknown == nil || unknown.FICount != 2 {
		t.Errorf("unknown group = %+v", unknown)
	}

	if want := []MerchantStats{{"amazon.com", 2, 1}, {"netflix.com", 1, 1}}; !reflect.DeepEqual(exp.Summary.Merchants, want) {
		t.Errorf("merchants = %+v", exp.Summary.Merchants)
	}
	if want := []string{"placements:2025-01-02", "sessions:2025-01-02"}; !reflect.DeepEqual(exp.Summary.Missing, want) {
		t.Errorf("missing = %v", exp.Summary.Missing)
	}
}

func TestBuildSkipsRowsDatedOtherDays(t *testing.T) {
	t.Parallel()

	store, err := snapshot.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Now()
	if err := store.Write(ctx, snapshot.New(snapshot.TypePlacements, "2025-01-01", []models.Record{
		{"fi_lookup_key": "alpha", "termination_type": "BILLABLE", "created_on": "2025-01-01T10:00:00Z"},
		{"fi_lookup_key": "alpha", "termination_type": "BILLABLE", "created_on": "2024-12-31T23:59:00Z"},
		{"fi_lookup_key": "alpha", "termination_type": "CANCELED"},
	}, now)); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, snapshot.New(snapshot.TypeSessions, "2025-01-01", []models.Record{
		{"financial_institution_lookup_key": "alpha", "created_on": "2025-01-01"},
		{"financial_institution_lookup_key": "alpha", "created_on": "2025-01-02"},
	}, now)); err != nil {
		t.Fatal(err)
	}

	exp, err := Build(ctx, store, models.DateRange{Start: "2025-01-01", End: "2025-01-01"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p := exp.Placements["alpha"]; p == nil || p.Total != 2 || p.Billable != 1 {
		t.Errorf("alpha placements = %+v, want the off-day row skipped", p)
	}
	if s := exp.Sessions["alpha"]; s == nil || s.Total != 1 {
		t.Errorf("alpha sessions = %+v, want the off-day row skipped", s)
	}
}

func TestWriteAndReadPlacementTotals(t *testing.T) {
	t.Parallel()

	exp, err := Build(context.Background(), seedStore(t), models.DateRange{Start: "2025-01-01", End: "2025-01-01"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "output")
	if err := exp.Write(dir); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{PlacementsFile, SessionsFile, SummaryFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	totals, err := ReadPlacementTotals(filepath.Join(dir, PlacementsFile))
	if err != nil {
		t.Fatal(err)
	}
	if totals["alpha"] != (Totals{Total: 2, Success: 2}) || totals["beta"] != (Totals{Total: 1, Success: 0}) {
		t.Errorf("totals = %+v", totals)
	}
}

func TestReadPlacementTotalsFallbacks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), PlacementsFile)
	doc := map[string]any{
		"A":  map[string]any{"total": 5, "success": 3},
		"b":  map[string]any{"total": 4, "successful": 1},
		"c":  map[string]any{"total": 2, "billable": 0, "success": 9},
		"  ": map[string]any{"total": 1},
	}
	data, _ := json.Marshal(doc)
	os.WriteFile(path, data, 0o644)

	totals, err := ReadPlacementTotals(path)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]Totals{"a": {5, 3}, "b": {4, 1}, "c": {2, 0}}
	if !reflect.DeepEqual(totals, want) {
		t.Errorf("totals = %+v, want %+v", totals, want)
	}

	missing, err := ReadPlacementTotals(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil || missing != nil {
		t.Errorf("missing file = %v, %v", missing, err)
	}
}
