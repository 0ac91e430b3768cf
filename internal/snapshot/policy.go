// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package snapshot

import (
	"fmt"

	"github.com/tomtom215/cardpulse/internal/config"
	"github.com/tomtom215/cardpulse/internal/models"
)

// Policy modes.
const (
	// ModePresence fetches a (type, date) only when nothing is stored.
	ModePresence = "presence"

	// ModeRecent also refetches error markers, empty snapshots and any day
	// within RecentDays of today, whose upstream data may still be settling.
	ModeRecent = "recent"
)

// Policy decides whether a (type, date) unit should be fetched.
type Policy struct {
	Mode       string
	RecentDays int
}

// PolicyFromConfig builds the policy configured for refreshes.
func PolicyFromConfig(cfg *config.RefreshConfig) Policy {
	return Policy{Mode: cfg.Policy, RecentDays: cfg.RecentDays}
}

// Decision is the outcome of ShouldFetch with its reason, for logging.
type Decision struct {
	Fetch  bool
	Reason string
}

// ShouldFetch decides whether to fetch date given what is stored. existing
// is nil when nothing readable is stored.
func (p Policy) ShouldFetch(existing *Snapshot, date, today string, force bool) Decision {
	switch {
	case force:
		return Decision{true, "forced"}
	case existing == nil:
		return Decision{true, "absent"}
	case p.Mode != ModeRecent:
		return Decision{false, "present"}
	case existing.IsError():
		return Decision{true, "previous fetch failed"}
	case existing.Count() == 0:
		return Decision{true, "previous fetch was empty"}
	case p.RecentDays > 0 && date <= today && models.DaysBetween(date, today) < p.RecentDays:
		return Decision{true, fmt.Sprintf("within %d days of today", p.RecentDays)}
	default:
		return Decision{false, "present"}
	}
}

// Open returns the store selected by the storage configuration.
func Open(cfg *config.StorageConfig) (Store, error) {
	switch cfg.SnapshotBackend {
	case "badger":
		return OpenBadgerStore(cfg.BadgerPath)
	case "", "file":
		return NewFileStore(cfg.RawDir)
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}
