// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package services

import (
	"context"
	"errors"
	"fmt"
)

var errWatcherStopped = errors.New("daily cache watcher stopped unexpectedly")

// DirectoryWatcher is satisfied by *rollup.CachedReader.
type DirectoryWatcher interface {
	Watch(ctx context.Context) error
}

// CacheWatcherService keeps the daily document cache coherent with the
// rollup directory. If the watcher fails (the directory vanished, inotify
// limits) the error goes to the supervisor, which restarts it with backoff.
type CacheWatcherService struct {
	watcher DirectoryWatcher
	name    string
}

// NewCacheWatcherService wraps watcher.
func NewCacheWatcherService(watcher DirectoryWatcher) *CacheWatcherService {
	return &CacheWatcherService{watcher: watcher, name: "daily-cache-watcher"}
}

// Serve implements suture.Service.
func (s *CacheWatcherService) Serve(ctx context.Context) error {
	err := s.watcher.Watch(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("daily cache watcher: %w", err)
	}
	if err == nil && ctx.Err() == nil {
		// The watcher's channels closed under us; let the supervisor
		// start a fresh one.
		return errWatcherStopped
	}
	return ctx.Err()
}

func (s *CacheWatcherService) String() string {
	return s.name
}
