// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package rollup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tomtom215/cardpulse/internal/atomicfile"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/models"
)

// ErrNotFound is returned when no document is stored for a day.
var ErrNotFound = errors.New("daily document not found")

// Reader is the read side of the document store.
type Reader interface {
	Read(day string) (*Document, error)
	Dates() ([]string, error)
}

// DirStore keeps one <dir>/<date>.json per day.
type DirStore struct {
	dir string
}

// NewDirStore returns a store rooted at dir, removing orphaned temporary
// files left by interrupted writes.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating daily directory: %w", err)
	}
	if n, err := atomicfile.CleanTemps(dir, atomicfile.StaleAge); err == nil && n > 0 {
		logging.Info().Str("dir", dir).Int("removed", n).Msg("Removed orphaned rollup temp files")
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *DirStore) Dir() string {
	return s.dir
}

// Path returns the file path of day's document.
func (s *DirStore) Path(day string) string {
	return filepath.Join(s.dir, day+".json")
}

// Write replaces day's document atomically.
func (s *DirStore) Write(doc *Document) error {
	if !models.ValidDate(doc.Date) {
		return fmt.Errorf("%w: %q", models.ErrInvalidDate, doc.Date)
	}
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("encoding daily document: %w", err)
	}
	if err := atomicfile.WriteFile(s.Path(doc.Date), data, 0o644); err != nil {
		return fmt.Errorf("writing daily document %s: %w", doc.Date, err)
	}
	return nil
}

// Read returns day's document, or ErrNotFound.
func (s *DirStore) Read(day string) (*Document, error) {
	if !models.ValidDate(day) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDate, day)
	}
	data, err := os.ReadFile(s.Path(day))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading daily document: %w", err)
	}
	doc, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decoding daily document %s: %w", day, err)
	}
	return doc, nil
}

// Dates lists the stored days in ascending order.
func (s *DirStore) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
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

// ReadRange returns the documents stored within r, skipping missing days.
func ReadRange(rd Reader, r models.DateRange) ([]*Document, error) {
	var docs []*Document
	for _, day := range r.Days() {
		doc, err := rd.Read(day)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
