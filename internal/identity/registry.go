// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package identity

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/models"
)

// Observation sources.
const (
	SourceSession   = "session"
	SourcePlacement = "placement"
)

// Curated keys written by operators. Upsert never modifies them.
const (
	CuratedPartner          = "partner"
	CuratedCardholderTotal  = "cardholder_total"
	CuratedCardholderSource = "cardholder_source"
	CuratedCardholderAsOf   = "cardholder_as_of"
	CuratedOverride         = "integration_type_override"
	CuratedTestInstance     = "test_instance"
)

// knownFields are the keys managed by automatic passes. Everything else on a
// persisted entry is curated and round-trips untouched.
var knownFields = map[string]bool{
	"fi_name": true, "fi_lookup_key": true, "instance": true, "sources": true,
	"integration_type": true, "first_seen": true, "last_seen": true,
	"traffic_first_seen": true, "traffic_last_seen": true, "traffic_first_seen_sso": true,
}

// Entry is one registry record for an (FI, instance) pair.
type Entry struct {
	FIName              string   `json:"fi_name"`
	FILookupKey         string   `json:"fi_lookup_key"`
	Instance            string   `json:"instance"`
	Sources             []string `json:"sources"`
	IntegrationType     string   `json:"integration_type"`
	FirstSeen           string   `json:"first_seen,omitempty"`
	LastSeen            string   `json:"last_seen,omitempty"`
	TrafficFirstSeen    string   `json:"traffic_first_seen,omitempty"`
	TrafficLastSeen     string   `json:"traffic_last_seen,omitempty"`
	TrafficFirstSeenSSO string   `json:"traffic_first_seen_sso,omitempty"`

	// Curated holds operator-entered keys verbatim.
	Curated map[string]json.RawMessage `json:"-"`
}

// Identity returns the entry's identity.
func (e *Entry) Identity() Identity {
	return Identity{FIKey: normalizeFI(e.FILookupKey), Instance: normalizeInstance(e.Instance)}
}

// Override returns the operator's integration_type_override, if valid.
func (e *Entry) Override() string {
	raw, ok := e.Curated[CuratedOverride]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	v = strings.ToLower(strings.TrimSpace(v))
	if !ValidIntegration(v) {
		return ""
	}
	return v
}

// CuratedString returns a curated value as a string, or "".
func (e *Entry) CuratedString(key string) string {
	raw, ok := e.Curated[key]
	if !ok {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return ""
	}
	return models.Record{key: v}.Str(key)
}

// clone returns a deep copy.
func (e *Entry) clone() *Entry {
	c := *e
	c.Sources = append([]string(nil), e.Sources...)
	if e.Curated != nil {
		c.Curated = make(map[string]json.RawMessage, len(e.Curated))
		for k, v := range e.Curated {
			c.Curated[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// MarshalJSON writes the managed fields and the curated keys as one flat
// object. Map keys are emitted sorted, so output is stable.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(knownFields)+len(e.Curated))
	for k, v := range e.Curated {
		out[k] = v
	}
	out["fi_name"] = e.FIName
	out["fi_lookup_key"] = e.FILookupKey
	out["instance"] = e.Instance
	sources := e.Sources
	if sources == nil {
		sources = []string{}
	}
	out["sources"] = sources
	out["integration_type"] = e.IntegrationType
	setIf := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	setIf("first_seen", e.FirstSeen)
	setIf("last_seen", e.LastSeen)
	setIf("traffic_first_seen", e.TrafficFirstSeen)
	setIf("traffic_last_seen", e.TrafficLastSeen)
	setIf("traffic_first_seen_sso", e.TrafficFirstSeenSSO)
	return json.Marshal(out)
}

// UnmarshalJSON reads managed fields and keeps every other key as curated.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type managed Entry
	var m managed
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = Entry(m)
	if len(e.Sources) == 0 {
		e.Sources = nil
	}
	e.Curated = nil
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if e.Curated == nil {
			e.Curated = make(map[string]json.RawMessage)
		}
		e.Curated[k] = v
	}
	return nil
}

// Observation is one session or placement sighting of an identity.
type Observation struct {
	FIName    string
	LookupKey string
	Instance  string
	Source    string
	SeenDate  string
}

// ObservationFromSession extracts an observation from a session record.
func ObservationFromSession(rec models.Record) Observation {
	return Observation{
		FIName:    rec.SessionFIName(),
		LookupKey: rec.LookupKey(),
		Instance:  rec.Instance(),
		Source:    SourceSession,
		SeenDate:  rec.SessionDate(),
	}
}

// ObservationFromPlacement extracts an observation from a placement record.
func ObservationFromPlacement(rec models.Record) Observation {
	return Observation{
		FIName:    rec.PlacementFIName(),
		LookupKey: rec.LookupKey(),
		Instance:  rec.Instance(),
		Source:    SourcePlacement,
		SeenDate:  rec.PlacementDate(),
	}
}

// Identity returns the identity the observation resolves to.
func (o Observation) Identity() Identity {
	fi := o.LookupKey
	if strings.TrimSpace(fi) == "" && o.FIName != models.UnknownFI {
		fi = o.FIName
	}
	return Identity{FIKey: normalizeFI(fi), Instance: normalizeInstance(o.Instance)}
}

// Registry is the set of known (FI, instance) entries.
//
// A Registry has a single owner. The pipeline run that loaded it is the only
// writer; readers in other goroutines work from a Clone or from the
// persisted file.
type Registry struct {
	entries map[string]*Entry
	rules   *Rules
}

// NewRegistry returns an empty registry classified by rules.
func NewRegistry(rules *Rules) *Registry {
	if rules == nil {
		rules = NewRules(nil, nil, nil, nil)
	}
	return &Registry{entries: make(map[string]*Entry), rules: rules}
}

// Rules returns the classification rules.
func (r *Registry) Rules() *Rules {
	return r.rules
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Get returns a copy of the entry under key.
func (r *Registry) Get(key string) (Entry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e.clone(), true
}

// Put stores a classified copy of e under its identity key, replacing any
// existing entry.
func (r *Registry) Put(e Entry) string {
	c := e.clone()
	r.classify(c)
	key := c.Identity().Key()
	r.entries[key] = c
	return key
}

// Clone returns an independent copy sharing the rules.
func (r *Registry) Clone() *Registry {
	c := &Registry{entries: make(map[string]*Entry, len(r.entries)), rules: r.rules}
	for k, e := range r.entries {
		c.entries[k] = e.clone()
	}
	return c
}

// Upsert merges one observation into the registry and returns the entry key.
// Sources are unioned, first_seen/last_seen widen to the observed dates, and
// integration_type is recomputed. Curated keys are never touched.
func (r *Registry) Upsert(obs Observation) string {
	id := obs.Identity()
	key := id.Key()

	e, ok := r.entries[key]
	if !ok {
		e = &Entry{
			FIName:      models.UnknownFI,
			FILookupKey: id.FIKey,
			Instance:    id.Instance,
		}
		r.entries[key] = e
	}

	if name := strings.TrimSpace(obs.FIName); name != "" && (e.FIName == "" || e.FIName == models.UnknownFI) {
		e.FIName = name
	}
	if obs.Source == SourceSession || obs.Source == SourcePlacement {
		e.Sources = addSorted(e.Sources, obs.Source)
	}
	if d := models.DateOnly(obs.SeenDate); d != "" {
		e.FirstSeen = minDate(e.FirstSeen, d)
		e.LastSeen = maxDate(e.LastSeen, d)
	}
	r.classify(e)
	return key
}

// UpsertTraffic widens the analytics traffic dates of the entries for id.
// An exact (fi, instance) match is preferred; otherwise every entry of the FI
// is updated. Traffic alone never creates an entry. It returns the number of
// entries updated.
func (r *Registry) UpsertTraffic(id Identity, date string) int {
	d := models.DateOnly(date)
	if d == "" || id.IsUnknown() {
		return 0
	}
	targets := make([]*Entry, 0, 1)
	if e, ok := r.entries[id.Key()]; ok {
		targets = append(targets, e)
	} else {
		fi := normalizeFI(id.FIKey)
		for _, e := range r.entries {
			if normalizeFI(e.FILookupKey) == fi {
				targets = append(targets, e)
			}
		}
	}
	for _, e := range targets {
		e.TrafficFirstSeen = minDate(e.TrafficFirstSeen, d)
		e.TrafficLastSeen = maxDate(e.TrafficLastSeen, d)
		if e.IntegrationType == IntegrationSSO {
			e.TrafficFirstSeenSSO = minDate(e.TrafficFirstSeenSSO, d)
		}
	}
	return len(targets)
}

// Reclassify recomputes integration_type for every entry, e.g. after the
// rules changed.
func (r *Registry) Reclassify() {
	for _, e := range r.entries {
		r.classify(e)
	}
}

func (r *Registry) classify(e *Entry) {
	if o := e.Override(); o != "" {
		e.IntegrationType = o
		return
	}
	e.IntegrationType = r.rules.Classify(e.Instance, e.FILookupKey)
}

// Keys returns the entry keys in output order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := r.entries[keys[i]], r.entries[keys[j]]
		if a.Instance != b.Instance {
			return a.Instance < b.Instance
		}
		if na, nb := strings.ToLower(a.FIName), strings.ToLower(b.FIName); na != nb {
			return na < nb
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Entries returns copies of all entries, sorted by instance then FI name.
func (r *Registry) Entries() []Entry {
	keys := r.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, *r.entries[k].clone())
	}
	return out
}

// ForFI returns copies of every entry for an FI key.
func (r *Registry) ForFI(fiKey string) []Entry {
	fi := normalizeFI(fiKey)
	var out []Entry
	for _, k := range r.Keys() {
		if e := r.entries[k]; normalizeFI(e.FILookupKey) == fi {
			out = append(out, *e.clone())
		}
	}
	return out
}

// IntegrationFor returns the integration type of an FI across its entries.
// When instances disagree the strongest wins: cardsavr, then sso, then non-sso.
func (r *Registry) IntegrationFor(fiKey string) string {
	rank := map[string]int{IntegrationCardsavr: 3, IntegrationSSO: 2, IntegrationNonSSO: 1}
	best := IntegrationUnknown
	fi := normalizeFI(fiKey)
	for _, e := range r.entries {
		if normalizeFI(e.FILookupKey) != fi {
			continue
		}
		if rank[e.IntegrationType] > rank[best] {
			best = e.IntegrationType
		}
	}
	return best
}

// Instances returns the sorted instances an FI has been observed on.
func (r *Registry) Instances(fiKey string) []string {
	fi := normalizeFI(fiKey)
	var out []string
	for _, e := range r.entries {
		if normalizeFI(e.FILookupKey) == fi {
			out = addSorted(out, e.Instance)
		}
	}
	return out
}

func addSorted(list []string, v string) []string {
	i := sort.SearchStrings(list, v)
	if i < len(list) && list[i] == v {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func minDate(cur, d string) string {
	if cur == "" || d < cur {
		return d
	}
	return cur
}

func maxDate(cur, d string) string {
	if cur == "" || d > cur {
		return d
	}
	return cur
}
