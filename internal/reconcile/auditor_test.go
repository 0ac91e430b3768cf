// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/cardpulse/internal/aggregate"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/rollup"
	"github.com/tomtom215/cardpulse/internal/snapshot"
)

const day = "2025-03-01"

type fixture struct {
	snapshots *snapshot.FileStore
	daily     *rollup.DirStore
	aggPath   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	snaps, err := snapshot.NewFileStore(filepath.Join(root, "raw"))
	if err != nil {
		t.Fatal(err)
	}
	daily, err := rollup.NewDirStore(filepath.Join(root, "daily"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{snapshots: snaps, daily: daily, aggPath: filepath.Join(root, "output", aggregate.PlacementsFile)}
}

// placements returns n placements for fi of which success are billable.
func placements(fi string, n, success int) []models.Record {
	rows := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		term := "SITE_INTERACTION_FAILURE"
		if i < success {
			term = "BILLABLE"
		}
		rows = append(rows, models.Record{"id": fmt.Sprintf("%s-%d", fi, i), "fi_lookup_key": fi, "created_on": day, "termination_type": term})
	}
	return rows
}

// seed writes the raw snapshot, then derives the rollup and the aggregate
// export from it the same way the pipeline does.
func (f *fixture) seed(t *testing.T, rows []models.Record) {
	t.Helper()
	ctx := context.Background()
	snap := snapshot.New(snapshot.TypePlacements, day, rows, time.Now())
	if err := f.snapshots.Write(ctx, snap); err != nil {
		t.Fatal(err)
	}
	in, err := rollup.InputsFromSnapshots(nil, nil, snap)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.daily.Write(rollup.Build(day, in, nil)); err != nil {
		t.Fatal(err)
	}
	exp, err := aggregate.Build(ctx, f.snapshots, models.DateRange{Start: day, End: day}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := exp.Write(filepath.Dir(f.aggPath)); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) auditor() *Auditor {
	return NewAuditor(f.snapshots, f.daily, f.aggPath)
}

func TestAuditConsistentViews(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, append(placements("x", 10, 7), placements("y", 3, 0)...))

	report, err := f.auditor().Audit(context.Background(), "x", models.DateRange{Start: day, End: day})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Rows) != 1 {
		t.Fatalf("rows = %+v, want only x", report.Rows)
	}
	row := report.Rows[0]
	want := Counts{Success: 7, Total: 10}
	if row.FI != "x" || row.Raw != want || row.Daily != want || row.Aggregate != want {
		t.Errorf("row = %+v", row)
	}
	if len(row.Notes) != 0 || !row.OK() {
		t.Errorf("notes = %v, want none", row.Notes)
	}
	if report.Total.Raw != want {
		t.Errorf("total = %+v", report.Total)
	}

	all, err := f.auditor().Audit(context.Background(), "ALL", models.DateRange{Start: day, End: day})
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Rows) != 2 || all.Rows[1].FI != "y" {
		t.Fatalf("ALL rows = %+v", all.Rows)
	}
	if notes := all.Rows[1].Notes; len(notes) != 1 || notes[0] != NoteNoSuccess {
		t.Errorf("y notes = %v, want [no-success-data]", notes)
	}
	if len(all.Mismatches()) != 0 {
		t.Errorf("mismatches = %+v", all.Mismatches())
	}
}

func TestAuditFlagsDrift(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, placements("x", 10, 7))

	// The raw cache is refetched with one more success; the rollup and the
	// export are now stale.
	if err := f.snapshots.Write(context.Background(), snapshot.New(snapshot.TypePlacements, day, placements("x", 11, 8), time.Now())); err != nil {
		t.Fatal(err)
	}

	report, err := f.auditor().Audit(context.Background(), "ALL", models.DateRange{Start: day, End: day})
	if err != nil {
		t.Fatal(err)
	}
	row := report.Rows[0]
	if row.Raw.Success != 8 || row.Daily.Success != 7 {
		t.Errorf("row = %+v", row)
	}
	if len(row.Notes) != 1 || row.Notes[0] != NoteRawDaily || row.OK() {
		t.Errorf("notes = %v, want [RAW!=DAILY]", row.Notes)
	}
	if len(report.Mismatches()) != 1 {
		t.Errorf("mismatches = %d, want 1", len(report.Mismatches()))
	}
}

func TestAuditWithoutAggregate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, placements("x", 2, 1))
	os.Remove(f.aggPath)

	report, err := f.auditor().Audit(context.Background(), "", models.DateRange{Start: day, End: "2025-03-02"})
	if err != nil {
		t.Fatal(err)
	}
	if !report.AggregateMissing {
		t.Error("AggregateMissing not set")
	}
	if notes := report.Rows[0].Notes; len(notes) != 1 || notes[0] != NoteDailyAggregate {
		t.Errorf("notes = %v, want [DAILY!=AGGREGATE]", notes)
	}
}

func TestAuditRejectsBadRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.auditor().Audit(context.Background(), "ALL", models.DateRange{Start: "2025-03-02", End: "2025-03-01"})
	if !errors.Is(err, models.ErrInvalidDate) {
		t.Errorf("err = %v, want ErrInvalidDate", err)
	}
}

func TestReportOutput(t *testing.T) {
	t.Parallel()

	report := &Report{
		Range:  models.DateRange{Start: day, End: day},
		Filter: AllFIs,
		Rows: []Row{
			{FI: "x", Raw: Counts{7, 10}, Daily: Counts{7, 10}, Aggregate: Counts{7, 10}},
			{FI: "y", Raw: Counts{1, 2}, Daily: Counts{0, 2}, Aggregate: Counts{0, 2}, Notes: []string{NoteRawDaily}},
		},
		Total: Row{FI: "TOTAL", Raw: Counts{8, 12}, Daily: Counts{7, 12}, Aggregate: Counts{7, 12}},
	}

	var csvBuf bytes.Buffer
	if err := report.WriteCSV(&csvBuf); err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"fi_lookup_key,raw_success,raw_total,daily_success,daily_total,aggregate_success,aggregate_total,notes",
		"x,7,10,7,10,7,10,",
		"y,1,2,0,2,0,2,RAW!=DAILY",
		"TOTAL,8,12,7,12,7,12,",
		"",
	}, "\n")
	if csvBuf.String() != want {
		t.Errorf("csv =\n%s\nwant\n%s", csvBuf.String(), want)
	}

	var tableBuf bytes.Buffer
	if err := report.WriteTable(&tableBuf); err != nil {
		t.Fatal(err)
	}
	out := tableBuf.String()
	for _, s := range []string{"FI", "RAW", "ROLLUP", "AGGREGATE", markOK, markMismatch, "ALL (per FI)"} {
		if !strings.Contains(out, s) {
			t.Errorf("table missing %q:\n%s", s, out)
		}
	}
}

func TestRowOKMatchesNotes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		row  Row
		want bool
	}{
		{name: "agree", row: Row{Raw: Counts{7, 10}, Daily: Counts{7, 10}, Aggregate: Counts{7, 10}}, want: true},
		{name: "success drift with equal totals", row: Row{Raw: Counts{7, 10}, Daily: Counts{5, 10}, Aggregate: Counts{5, 10}}, want: false},
		{name: "total drift with equal success", row: Row{Raw: Counts{7, 11}, Daily: Counts{7, 10}, Aggregate: Counts{7, 10}}, want: true},
		{name: "aggregate drift", row: Row{Raw: Counts{7, 10}, Daily: Counts{7, 10}, Aggregate: Counts{6, 10}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.row.OK(); got != tt.want {
				t.Errorf("OK() = %v, want %v", got, tt.want)
			}
		})
	}
}
