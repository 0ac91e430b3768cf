// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/atomicfile"
	"github.com/tomtom215/cardpulse/internal/models"
)

var fetchedAt = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func placements(n int) []models.Record {
	rows := make([]models.Record, n)
	for i := range rows {
		rows[i] = models.Record{"id": float64(i), "termination_type": "BILLABLE"}
	}
	return rows
}

func newBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	s, err := NewBadgerStore(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func stores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Store{"file": fs, "badger": newBadgerStore(t)}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Exists(ctx, TypePlacements, "2025-01-01")
			if err != nil || ok {
				t.Fatalf("Exists before write = %v, %v", ok, err)
			}

			snap := New(TypePlacements, "2025-01-01", placements(3), fetchedAt)
			snap.Errors = []InstanceError{{Instance: "beta", Error: "login failed"}}
			if err := store.Write(ctx, snap); err != nil {
				t.Fatal(err)
			}

			got, err := store.Read(ctx, TypePlacements, "2025-01-01")
			if err != nil || got == nil {
				t.Fatalf("Read = %v, %v", got, err)
			}
			if got.Count() != 3 || got.Date != "2025-01-01" || got.Type != TypePlacements {
				t.Errorf("read back %+v", got)
			}
			if !got.FetchedAt.Equal(fetchedAt) {
				t.Errorf("fetched_at = %v", got.FetchedAt)
			}
			if len(got.Errors) != 1 || got.Errors[0].Instance != "beta" {
				t.Errorf("errors = %+v", got.Errors)
			}

			store.Write(ctx, New(TypePlacements, "2024-12-31", nil, fetchedAt))
			dates, err := store.Dates(ctx, TypePlacements)
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(dates, ",") != "2024-12-31,2025-01-01" {
				t.Errorf("Dates = %v", dates)
			}
		})
	}
}

func TestForcedWriteOverwrites(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Write(ctx, New(TypeSessions, "2025-01-01", placements(2), fetchedAt))

			existing, _ := store.Read(ctx, TypeSessions, "2025-01-01")
			if d := (Policy{Mode: ModePresence}).ShouldFetch(existing, "2025-01-01", "2025-01-05", false); d.Fetch {
				t.Fatalf("unforced fetch of an existing snapshot: %+v", d)
			}
			d := (Policy{Mode: ModePresence}).ShouldFetch(existing, "2025-01-01", "2025-01-05", true)
			if !d.Fetch {
				t.Fatal("forced fetch refused")
			}

			store.Write(ctx, New(TypeSessions, "2025-01-01", placements(5), fetchedAt.Add(time.Hour)))
			got, _ := store.Read(ctx, TypeSessions, "2025-01-01")
			if got.Count() != 5 {
				t.Errorf("count after overwrite = %d, want 5", got.Count())
			}
		})
	}
}

func TestErrorMarkerCountsAsPresent(t *testing.T) {
	t.Parallel()

	fs, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	marker := NewError(TypeAnalytics, "2025-01-01", errors.New("quota exceeded"), fetchedAt)
	if err := fs.Write(ctx, marker); err != nil {
		t.Fatal(err)
	}
	ok, _ := fs.Exists(ctx, TypeAnalytics, "2025-01-01")
	if !ok {
		t.Fatal("error marker should count as present")
	}

	data, _ := os.ReadFile(fs.Path(TypeAnalytics, "2025-01-01"))
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if raw["error"] != "quota exceeded" || raw["count"] != float64(0) {
		t.Errorf("marker on disk = %s", data)
	}
	if rows, ok := raw["rows"].([]any); !ok || len(rows) != 0 {
		t.Errorf("marker should carry an empty rows array: %s", data)
	}
}

func TestMalformedSnapshotReadsAsAbsent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "truncated", content: `{"date":"2025-01-01","sessions":[{"id":`},
		{name: "null", content: `null`},
		{name: "null with newline", content: "null\n"},
		{name: "array", content: `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fs, _ := NewFileStore(t.TempDir())
			path := fs.Path(TypeSessions, "2025-01-01")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			snap, err := fs.Read(context.Background(), TypeSessions, "2025-01-01")
			if err != nil || snap != nil {
				t.Errorf("Read malformed = %v, %v; want nil, nil", snap, err)
			}
			if ok, _ := fs.Exists(context.Background(), TypeSessions, "2025-01-01"); ok {
				t.Error("malformed snapshot reported as existing")
			}
		})
	}
}

func TestCrashBeforeRenameNeverCorrupts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs, _ := NewFileStore(dir)
	ctx := context.Background()
	if err := fs.Write(ctx, New(TypeSessions, "2025-01-01", placements(4), fetchedAt)); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: the temporary file is half written and the rename
	// never happens.
	fs.writeFile = func(path string, data []byte, _ os.FileMode) error {
		tmp := filepath.Join(filepath.Dir(path), atomicfile.TempPrefix+filepath.Base(path)+"-crash")
		if err := os.WriteFile(tmp, data[:len(data)/2], 0o644); err != nil {
			return err
		}
		return errors.New("process killed")
	}
	if err := fs.Write(ctx, New(TypeSessions, "2025-01-01", placements(9), fetchedAt)); err == nil {
		t.Fatal("expected simulated crash error")
	}

	got, err := fs.Read(ctx, TypeSessions, "2025-01-01")
	if err != nil || got == nil {
		t.Fatalf("Read after crash = %v, %v", got, err)
	}
	if got.Count() != 4 {
		t.Errorf("count = %d, want the old 4", got.Count())
	}
	dates, _ := fs.Dates(ctx, TypeSessions)
	if len(dates) != 1 {
		t.Errorf("temp file leaked into Dates: %v", dates)
	}

	// Reopening right away keeps the temp file: it could be another
	// process's write in flight.
	orphans, _ := filepath.Glob(filepath.Join(dir, string(TypeSessions), atomicfile.TempPrefix+"*"))
	if len(orphans) != 1 {
		t.Fatalf("orphans = %v, want 1", orphans)
	}
	if _, err := NewFileStore(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(orphans[0]); err != nil {
		t.Errorf("fresh temp removed on reopen: %v", err)
	}

	// Once it is older than StaleAge a new store removes it.
	old := time.Now().Add(-2 * atomicfile.StaleAge)
	if err := os.Chtimes(orphans[0], old, old); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(dir); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, string(TypeSessions), atomicfile.TempPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("orphans remain: %v", matches)
	}
}

func TestCrashBeforeFirstWriteLeavesAbsent(t *testing.T) {
	t.Parallel()

	fs, _ := NewFileStore(t.TempDir())
	fs.writeFile = func(string, []byte, os.FileMode) error { return errors.New("killed") }
	fs.Write(context.Background(), New(TypePlacements, "2025-02-01", placements(1), fetchedAt))

	if ok, _ := fs.Exists(context.Background(), TypePlacements, "2025-02-01"); ok {
		t.Error("interrupted first write left a visible snapshot")
	}
}

func TestWriteValidates(t *testing.T) {
	t.Parallel()

	fs, _ := NewFileStore(t.TempDir())
	if err := fs.Write(context.Background(), New("bogus", "2025-01-01", nil, fetchedAt)); !errors.Is(err, ErrInvalidType) {
		t.Errorf("err = %v, want ErrInvalidType", err)
	}
	if err := fs.Write(context.Background(), New(TypeSessions, "01/01/2025", nil, fetchedAt)); !errors.Is(err, models.ErrInvalidDate) {
		t.Errorf("err = %v, want ErrInvalidDate", err)
	}
	if _, err := ParseType("sessions"); err != nil {
		t.Error(err)
	}
}

func TestPolicyRecent(t *testing.T) {
	t.Parallel()

	p := Policy{Mode: ModeRecent, RecentDays: 3}
	full := New(TypeSessions, "2025-01-01", placements(1), fetchedAt)
	empty := New(TypeSessions, "2025-01-01", nil, fetchedAt)
	marker := NewError(TypeSessions, "2025-01-01", errors.New("x"), fetchedAt)

	tests := []struct {
		name     string
		existing *Snapshot
		date     string
		want     bool
	}{
		{"absent", nil, "2024-12-01", true},
		{"old and full", full, "2024-12-01", false},
		{"error marker", marker, "2024-12-01", true},
		{"empty", empty, "2024-12-01", true},
		{"today", full, "2025-01-10", true},
		{"two days ago", full, "2025-01-08", true},
		{"three days ago", full, "2025-01-07", false},
	}
	for _, tt := range tests {
		if got := p.ShouldFetch(tt.existing, tt.date, "2025-01-10", false); got.Fetch != tt.want {
			t.Errorf("%s: Fetch = %v (%s), want %v", tt.name, got.Fetch, got.Reason, tt.want)
		}
	}
}

func TestSnapshotArrayKeys(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		typ Type
		key string
	}{{TypeAnalytics, "rows"}, {TypeSessions, "sessions"}, {TypePlacements, "placements"}} {
		data, err := json.Marshal(New(tt.typ, "2025-01-01", placements(1), fetchedAt))
		if err != nil {
			t.Fatal(err)
		}
		var raw map[string]json.RawMessage
		json.Unmarshal(data, &raw)
		if _, ok := raw[tt.key]; !ok {
			t.Errorf("%s snapshot missing %q key: %s", tt.typ, tt.key, data)
		}
	}

	// Older files may store every type under "rows".
	var s Snapshot
	if err := json.Unmarshal([]byte(`{"date":"2025-01-01","type":"placements","rows":[{"id":1}]}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 1 {
		t.Errorf("fallback rows = %d", s.Count())
	}
}
