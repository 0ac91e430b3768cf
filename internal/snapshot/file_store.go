// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/atomicfile"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
)

// FileStore keeps one JSON file per snapshot under <dir>/<type>/<date>.json.
type FileStore struct {
	dir string

	// writeFile replaces a file atomically. Tests substitute it to simulate
	// a crash between the temporary write and the rename.
	writeFile func(path string, data []byte, perm os.FileMode) error
}

// NewFileStore returns a file store rooted at dir. Orphaned temporary files
// from interrupted writes are removed.
func NewFileStore(dir string) (*FileStore, error) {
	for _, t := range AllTypes {
		typeDir := filepath.Join(dir, string(t))
		if err := os.MkdirAll(typeDir, 0o750); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
		if n, err := atomicfile.CleanTemps(typeDir, atomicfile.StaleAge); err == nil && n > 0 {
			logging.Info().Str("dir", typeDir).Int("removed", n).Msg("Removed orphaned snapshot temp files")
		}
	}
	return &FileStore{dir: dir, writeFile: atomicfile.WriteFile}, nil
}

// Path returns the file path of a snapshot.
func (s *FileStore) Path(t Type, date string) string {
	return filepath.Join(s.dir, string(t), date+".json")
}

// Exists reports whether a readable snapshot is stored.
func (s *FileStore) Exists(ctx context.Context, t Type, date string) (bool, error) {
	snap, err := s.Read(ctx, t, date)
	if err != nil {
		return false, err
	}
	return snap != nil, nil
}

// Read returns the snapshot, or nil when the file is missing or malformed.
func (s *FileStore) Read(_ context.Context, t Type, date string) (*Snapshot, error) {
	if _, err := ParseType(string(t)); err != nil {
		return nil, err
	}
	if !models.ValidDate(date) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDate, date)
	}

	path := s.Path(t, date)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.RecordSnapshotOp(string(t), "miss")
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	snap, err := decodeStored(data)
	if err != nil {
		metrics.RecordSnapshotOp(string(t), "malformed")
		logging.Warn().Err(err).Str("type", string(t)).Str("date", date).Str("path", path).
			Msg("Malformed snapshot; treating as absent")
		return nil, nil
	}
	if snap.Type == "" {
		snap.Type = t
	}
	if snap.Date == "" {
		snap.Date = date
	}
	metrics.RecordSnapshotOp(string(t), "read")
	return snap, nil
}

// Write stores s atomically.
func (s *FileStore) Write(_ context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := s.writeFile(s.Path(snap.Type, snap.Date), data, 0o644); err != nil {
		return fmt.Errorf("writing %s snapshot for %s: %w", snap.Type, snap.Date, err)
	}
	metrics.RecordSnapshotOp(string(snap.Type), "write")
	return nil
}

// Dates lists the stored dates of a type in ascending order.
func (s *FileStore) Dates(_ context.Context, t Type) ([]string, error) {
	if _, err := ParseType(string(t)); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, string(t)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || atomicfile.IsTemp(name) || !strings.HasSuffix(name, ".json") {
			continue
		}
		if d := strings.TrimSuffix(name, ".json"); models.ValidDate(d) {
			dates = append(dates, d)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
