// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package rollup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tomtom215/cardpulse/internal/atomicfile"
	"github.com/tomtom215/cardpulse/internal/cache"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
)

// CachedReader serves documents from an LRU/TTL cache in front of a
// DirStore. Watch drops entries as soon as their file changes on disk;
// the TTL bounds staleness when no watcher runs.
type CachedReader struct {
	store *DirStore
	cache *cache.LRU[*Document]
}

// NewCachedReader wraps store with a cache of size documents kept for ttl.
func NewCachedReader(store *DirStore, size int, ttl time.Duration) *CachedReader {
	return &CachedReader{store: store, cache: cache.NewLRU[*Document](size, ttl)}
}

// Read returns day's document. Callers must not modify it.
func (r *CachedReader) Read(day string) (*Document, error) {
	if doc, ok := r.cache.Get(day); ok {
		metrics.DailyCacheHits.Inc()
		return doc, nil
	}
	metrics.DailyCacheMisses.Inc()
	doc, err := r.store.Read(day)
	if err != nil {
		return nil, err
	}
	r.cache.Add(day, doc)
	return doc, nil
}

// Dates lists stored days. It is not cached.
func (r *CachedReader) Dates() ([]string, error) {
	return r.store.Dates()
}

// Invalidate drops day from the cache.
func (r *CachedReader) Invalidate(day string) {
	r.cache.Remove(day)
}

// Watch invalidates cached documents when their files are created, written,
// renamed or removed. It blocks until ctx is cancelled.
func (r *CachedReader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(r.store.Dir()); err != nil {
		return fmt.Errorf("watching %s: %w", r.store.Dir(), err)
	}
	logging.Info().Str("dir", r.store.Dir()).Msg("Watching daily documents for changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			r.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			// An overflow means events were lost; start over cold.
			logging.Warn().Err(err).Msg("Daily document watcher error; purging cache")
			r.cache.Purge()
		}
	}
}

func (r *CachedReader) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if atomicfile.IsTemp(name) || !strings.HasSuffix(name, ".json") {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	day := strings.TrimSuffix(name, ".json")
	if r.cache.Remove(day) {
		logging.Debug().Str("date", day).Str("op", ev.Op.String()).Msg("Invalidated cached daily document")
	}
}
