// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package identity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/models"
)

// legacyFields are managed keys of the single-instance registry format. They
// are rewritten by Migrate rather than copied as curated values.
var legacyFields = map[string]bool{
	"instances": true, "instance": true, "fi_name": true, "fi_lookup_key": true,
	"sources": true, "integration_type": true, "first_seen": true, "last_seen": true,
	"traffic_first_seen": true, "traffic_last_seen": true, "traffic_first_seen_sso": true,
}

type legacyEntry struct {
	FIName              string   `json:"fi_name"`
	FILookupKey         string   `json:"fi_lookup_key"`
	Instance            string   `json:"instance"`
	Instances           []string `json:"instances"`
	Sources             []string `json:"sources"`
	FirstSeen           string   `json:"first_seen"`
	LastSeen            string   `json:"last_seen"`
	TrafficFirstSeen    string   `json:"traffic_first_seen"`
	TrafficLastSeen     string   `json:"traffic_last_seen"`
	TrafficFirstSeenSSO string   `json:"traffic_first_seen_sso"`
}

// IsLegacy reports whether a decoded registry object uses the older
// one-entry-per-FI layout, where instances are listed in an array.
func IsLegacy(raw map[string]json.RawMessage) bool {
	for key, v := range raw {
		if strings.Contains(key, "__") {
			continue
		}
		var probe struct {
			Instances []string `json:"instances"`
		}
		if err := json.Unmarshal(v, &probe); err == nil && probe.Instances != nil {
			return true
		}
	}
	return false
}

// Migrate converts a legacy registry into the multi-instance model. Every
// distinct instance an FI was observed on becomes its own entry and receives
// a copy of the FI's curated fields. Entries already in the new layout are
// carried over unchanged.
func Migrate(raw map[string]json.RawMessage, rules *Rules) (*Registry, error) {
	reg := NewRegistry(rules)

	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		data := raw[name]
		if strings.Contains(name, "__") {
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return nil, fmt.Errorf("entry %q: %w", name, err)
			}
			reg.Put(e)
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("legacy entry %q: %w", name, err)
		}
		var le legacyEntry
		if err := json.Unmarshal(data, &le); err != nil {
			return nil, fmt.Errorf("legacy entry %q: %w", name, err)
		}

		curated := make(map[string]json.RawMessage)
		for k, v := range fields {
			if !legacyFields[k] {
				curated[k] = v
			}
		}

		fiName := le.FIName
		if fiName == "" {
			fiName = name
		}
		lookup := le.FILookupKey
		if lookup == "" {
			lookup = fiName
		}

		instances := append([]string(nil), le.Instances...)
		if le.Instance != "" {
			instances = append(instances, le.Instance)
		}
		seen := make(map[string]bool)
		var distinct []string
		for _, inst := range instances {
			inst = normalizeInstance(inst)
			if !seen[inst] {
				seen[inst] = true
				distinct = append(distinct, inst)
			}
		}
		if len(distinct) == 0 {
			distinct = []string{models.UnknownInstance}
		}

		for _, inst := range distinct {
			e := Entry{
				FIName:              fiName,
				FILookupKey:         normalizeFI(lookup),
				Instance:            inst,
				FirstSeen:           models.DateOnly(le.FirstSeen),
				LastSeen:            models.DateOnly(le.LastSeen),
				TrafficFirstSeen:    models.DateOnly(le.TrafficFirstSeen),
				TrafficLastSeen:     models.DateOnly(le.TrafficLastSeen),
				TrafficFirstSeenSSO: models.DateOnly(le.TrafficFirstSeenSSO),
			}
			for _, s := range le.Sources {
				if s == SourceSession || s == SourcePlacement {
					e.Sources = addSorted(e.Sources, s)
				}
			}
			if len(curated) > 0 {
				e.Curated = make(map[string]json.RawMessage, len(curated))
				for k, v := range curated {
					e.Curated[k] = append(json.RawMessage(nil), v...)
				}
			}
			key := e.Identity().Key()
			if existing, ok := reg.entries[key]; ok {
				mergeMigrated(existing, &e)
			} else {
				reg.entries[key] = e.clone()
			}
			reg.classify(reg.entries[key])
		}
	}
	return reg, nil
}

// mergeMigrated folds a second legacy record that maps to the same key, as
// happens when two legacy names share one lookup key.
func mergeMigrated(dst, src *Entry) {
	for _, s := range src.Sources {
		dst.Sources = addSorted(dst.Sources, s)
	}
	for _, pair := range [][2]*string{
		{&dst.FirstSeen, &src.FirstSeen},
		{&dst.TrafficFirstSeen, &src.TrafficFirstSeen},
		{&dst.TrafficFirstSeenSSO, &src.TrafficFirstSeenSSO},
	} {
		if *pair[1] != "" {
			*pair[0] = minDate(*pair[0], *pair[1])
		}
	}
	for _, pair := range [][2]*string{
		{&dst.LastSeen, &src.LastSeen},
		{&dst.TrafficLastSeen, &src.TrafficLastSeen},
	} {
		if *pair[1] != "" {
			*pair[0] = maxDate(*pair[0], *pair[1])
		}
	}
	for k, v := range src.Curated {
		if _, ok := dst.Curated[k]; ok {
			continue
		}
		if dst.Curated == nil {
			dst.Curated = make(map[string]json.RawMessage)
		}
		dst.Curated[k] = v
	}
}

// Candidate is an (FI, instance) pair discovered outside the registry, for
// example in a daily document.
type Candidate struct {
	FIKey    string
	FIName   string
	Instance string
}

// Backfill adds entries for candidates the registry has never seen. Existing
// entries are left untouched. New entries on dev or test instances are
// classified unknown and flagged test_instance; all new entries get the
// partner placeholder "Unknown". It returns the keys added, sorted.
func (r *Registry) Backfill(candidates []Candidate) []string {
	var added []string
	for _, c := range candidates {
		id := Identity{FIKey: normalizeFI(c.FIKey), Instance: normalizeInstance(c.Instance)}
		if id.IsUnknown() {
			continue
		}
		key := id.Key()
		if _, ok := r.entries[key]; ok {
			continue
		}
		name := strings.TrimSpace(c.FIName)
		if name == "" {
			name = id.FIKey
		}
		e := &Entry{
			FIName:      name,
			FILookupKey: id.FIKey,
			Instance:    id.Instance,
			Curated: map[string]json.RawMessage{
				CuratedPartner: json.RawMessage(`"Unknown"`),
			},
		}
		if models.IsTestInstance(id.Instance) {
			e.Curated[CuratedTestInstance] = json.RawMessage(`true`)
			e.Curated[CuratedOverride] = json.RawMessage(`"` + IntegrationUnknown + `"`)
		}
		r.classify(e)
		r.entries[key] = e
		added = append(added, key)
	}
	sort.Strings(added)
	return added
}
