// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package rollup

import (
	"sort"
	"strings"

	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/models"
)

// Scope values for Query.Scope.
const (
	ScopeAll      = "all"
	ScopeSSO      = identity.IntegrationSSO
	ScopeNonSSO   = identity.IntegrationNonSSO
	ScopeCardsavr = identity.IntegrationCardsavr
)

// Query selects the documents and FIs a metrics response covers.
type Query struct {
	Range        models.DateRange
	Scope        string
	FIList       []string
	InstanceList []string
	MerchantList []string
	IncludeTests bool
}

// FunnelTotals are summed funnel counts.
type FunnelTotals struct {
	SelectMerchants    int64 `json:"select_merchants"`
	UserDataCollection int64 `json:"user_data_collection"`
	CredentialEntry    int64 `json:"credential_entry"`
	Sessions           int64 `json:"sessions"`
	WithJobs           int64 `json:"with_jobs"`
	WithSuccess        int64 `json:"with_success"`
	WithoutJobs        int64 `json:"without_jobs"`
	Placements         int64 `json:"placements"`
	Successful         int64 `json:"successful"`
}

func (t *FunnelTotals) add(r *FIRollup) {
	t.SelectMerchants += r.Analytics.SelectMerchants
	t.UserDataCollection += r.Analytics.UserDataCollection
	t.CredentialEntry += r.Analytics.CredentialEntry
	t.Sessions += r.Sessions.Total
	t.WithJobs += r.Sessions.WithJobs
	t.WithSuccess += r.Sessions.WithSuccess
	t.WithoutJobs += r.Sessions.WithoutJobs
	t.Placements += r.Placements.Total
	t.Successful += r.Placements.Successful
}

// FunnelFI is one FI's funnel over the range.
type FunnelFI struct {
	FILookupKey     string   `json:"fi_lookup_key"`
	IntegrationType string   `json:"integration_type"`
	Instances       []string `json:"instances"`
	FunnelTotals
}

// FunnelDay is the funnel of one day.
type FunnelDay struct {
	Date string `json:"date"`
	FunnelTotals
}

// FunnelResponse answers POST /api/metrics/funnel.
type FunnelResponse struct {
	Range        models.DateRange `json:"range"`
	DaysWithData int              `json:"days_with_data"`
	Overall      FunnelTotals     `json:"overall"`
	ByFI         []FunnelFI       `json:"by_fi"`
	ByDay        []FunnelDay      `json:"by_day"`
}

// OpsTotals are placement job counts.
type OpsTotals struct {
	JobsTotal   int64   `json:"jobs_total"`
	JobsSuccess int64   `json:"jobs_success"`
	JobsFailed  int64   `json:"jobs_failed"`
	FailureRate float64 `json:"failure_rate"`
}

func (t *OpsTotals) addJobs(total, success int64) {
	t.JobsTotal += total
	t.JobsSuccess += success
	t.JobsFailed += total - success
}

func (t *OpsTotals) finish() {
	t.FailureRate = 0
	if t.JobsTotal > 0 {
		t.FailureRate = float64(t.JobsFailed) / float64(t.JobsTotal)
	}
}

// OpsDay is the job outcome of one day.
type OpsDay struct {
	Date string `json:"date"`
	OpsTotals
}

// OpsMerchant is one merchant's job outcome.
type OpsMerchant struct {
	Merchant     string `json:"merchant"`
	TopErrorCode string `json:"top_error_code"`
	OpsTotals
}

// OpsFIInstance is one (FI, instance) pair's job outcome.
type OpsFIInstance struct {
	FILookupKey string `json:"fi_lookup_key"`
	Instance    string `json:"instance"`
	Sessions    int64  `json:"sessions"`
	OpsTotals
}

// StatusCount is the number of placements with an outcome code.
type StatusCount struct {
	Code   string `json:"code"`
	Health string `json:"health"`
	Count  int64  `json:"count"`
}

// OpsResponse answers POST /api/metrics/ops.
type OpsResponse struct {
	Range           models.DateRange `json:"range"`
	Overall         OpsTotals        `json:"overall"`
	ByDay           []OpsDay         `json:"by_day"`
	ByMerchant      []OpsMerchant    `json:"by_merchant"`
	ByFIInstance    []OpsFIInstance  `json:"by_fi_instance"`
	StatusBreakdown []StatusCount    `json:"status_breakdown"`
}

// filter decides which FIs and instances of a document a query keeps.
type filter struct {
	scope        string
	fis          map[string]bool
	instances    map[string]bool
	merchants    map[string]bool
	includeTests bool
}

func newFilter(q Query) filter {
	scope := strings.ToLower(strings.TrimSpace(q.Scope))
	if scope == "" {
		scope = ScopeAll
	}
	return filter{
		scope:        scope,
		fis:          lowerSet(q.FIList),
		instances:    lowerSet(q.InstanceList),
		merchants:    lowerSet(q.MerchantList),
		includeTests: q.IncludeTests,
	}
}

func lowerSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = true
		}
	}
	return set
}

// instancesOf lists every instance an FI appears on in doc.
func instancesOf(doc *Document, key string, r *FIRollup) []string {
	out := append([]string(nil), r.AnalyticsInstances...)
	for _, c := range doc.FIInstances {
		if c.FILookupKey == key {
			out = addUnique(out, c.Instance)
		}
	}
	sort.Strings(out)
	return out
}

func (f filter) keepFI(key string, r *FIRollup, instances []string) bool {
	if f.scope != ScopeAll && r.IntegrationType != f.scope {
		return false
	}
	if f.fis != nil && !f.fis[key] {
		return false
	}
	if f.instances != nil {
		hit := false
		for _, inst := range instances {
			if f.instances[inst] {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if !f.includeTests && len(instances) > 0 {
		allTest := true
		for _, inst := range instances {
			if !models.IsTestInstance(inst) {
				allTest = false
				break
			}
		}
		if allTest {
			return false
		}
	}
	return true
}

func (f filter) keepInstance(inst string) bool {
	if f.instances != nil && !f.instances[inst] {
		return false
	}
	return f.includeTests || !models.IsTestInstance(inst)
}

// Funnel sums the funnel of every kept FI across docs.
func Funnel(docs []*Document, q Query) *FunnelResponse {
	f := newFilter(q)
	resp := &FunnelResponse{Range: q.Range, ByFI: []FunnelFI{}, ByDay: []FunnelDay{}}
	byFI := map[string]*FunnelFI{}

	for _, doc := range docs {
		day := FunnelDay{Date: doc.Date}
		for key, r := range doc.FI {
			instances := instancesOf(doc, key, r)
			if !f.keepFI(key, r, instances) {
				continue
			}
			day.add(r)
			resp.Overall.add(r)

			fi, ok := byFI[key]
			if !ok {
				fi = &FunnelFI{FILookupKey: key, IntegrationType: r.IntegrationType, Instances: []string{}}
				byFI[key] = fi
			}
			fi.add(r)
			for _, inst := range instances {
				fi.Instances = addUnique(fi.Instances, inst)
			}
			if r.IntegrationType != identity.IntegrationUnknown {
				fi.IntegrationType = r.IntegrationType
			}
		}
		resp.ByDay = append(resp.ByDay, day)
		resp.DaysWithData++
	}

	for _, fi := range byFI {
		resp.ByFI = append(resp.ByFI, *fi)
	}
	sort.Slice(resp.ByFI, func(i, j int) bool { return resp.ByFI[i].FILookupKey < resp.ByFI[j].FILookupKey })
	sort.Slice(resp.ByDay, func(i, j int) bool { return resp.ByDay[i].Date < resp.ByDay[j].Date })
	return resp
}

// Ops summarizes placement job outcomes of every kept FI across docs.
func Ops(docs []*Document, q Query) *OpsResponse {
	f := newFilter(q)
	resp := &OpsResponse{
		Range:           q.Range,
		ByDay:           []OpsDay{},
		ByMerchant:      []OpsMerchant{},
		ByFIInstance:    []OpsFIInstance{},
		StatusBreakdown: []StatusCount{},
	}
	merchants := map[string]*OpsMerchant{}
	merchantCodes := map[string]map[string]int64{}
	pairs := map[string]*OpsFIInstance{}
	statuses := map[string]int64{}

	for _, doc := range docs {
		day := OpsDay{Date: doc.Date}
		for key, r := range doc.FI {
			if !f.keepFI(key, r, instancesOf(doc, key, r)) {
				continue
			}
			p := r.Placements
			day.addJobs(p.Total, p.Successful)
			resp.Overall.addJobs(p.Total, p.Successful)
			for code, n := range p.ByOutcomeCode {
				statuses[code] += n
			}
			for name, m := range p.ByMerchant {
				if f.merchants != nil && !f.merchants[name] {
					continue
				}
				om, ok := merchants[name]
				if !ok {
					om = &OpsMerchant{Merchant: name}
					merchants[name] = om
					merchantCodes[name] = map[string]int64{}
				}
				om.addJobs(m.Total, m.Successful)
				for code, n := range m.FailureCodes {
					merchantCodes[name][code] += n
				}
			}
		}
		for k, c := range doc.FIInstances {
			r, ok := doc.FI[c.FILookupKey]
			if !ok || !f.keepFI(c.FILookupKey, r, instancesOf(doc, c.FILookupKey, r)) || !f.keepInstance(c.Instance) {
				continue
			}
			pair, ok := pairs[k]
			if !ok {
				pair = &OpsFIInstance{FILookupKey: c.FILookupKey, Instance: c.Instance}
				pairs[k] = pair
			}
			pair.Sessions += c.Sessions
			pair.addJobs(c.Placements, c.SuccessfulPlacements)
		}
		day.finish()
		resp.ByDay = append(resp.ByDay, day)
	}
	resp.Overall.finish()

	for name, m := range merchants {
		m.finish()
		m.TopErrorCode = topCode(merchantCodes[name])
		resp.ByMerchant = append(resp.ByMerchant, *m)
	}
	sort.Slice(resp.ByMerchant, func(i, j int) bool {
		a, b := resp.ByMerchant[i], resp.ByMerchant[j]
		if a.JobsTotal != b.JobsTotal {
			return a.JobsTotal > b.JobsTotal
		}
		return a.Merchant < b.Merchant
	})

	for _, pair := range pairs {
		pair.finish()
		resp.ByFIInstance = append(resp.ByFIInstance, *pair)
	}
	sort.Slice(resp.ByFIInstance, func(i, j int) bool {
		a, b := resp.ByFIInstance[i], resp.ByFIInstance[j]
		if a.FILookupKey != b.FILookupKey {
			return a.FILookupKey < b.FILookupKey
		}
		return a.Instance < b.Instance
	})

	for code, n := range statuses {
		resp.StatusBreakdown = append(resp.StatusBreakdown, StatusCount{Code: code, Health: codeHealth(code), Count: n})
	}
	sort.Slice(resp.StatusBreakdown, func(i, j int) bool {
		a, b := resp.StatusBreakdown[i], resp.StatusBreakdown[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Code < b.Code
	})
	sort.Slice(resp.ByDay, func(i, j int) bool { return resp.ByDay[i].Date < resp.ByDay[j].Date })
	return resp
}

func codeHealth(code string) string {
	if code == models.UnknownOutcome {
		return models.HealthUnknown
	}
	return models.HealthClass(code, "")
}

// topCode returns the most frequent code, ties broken alphabetically.
func topCode(codes map[string]int64) string {
	best, bestN := "", int64(0)
	for code, n := range codes {
		if n > bestN || (n == bestN && code < best) {
			best, bestN = code, n
		}
	}
	return best
}
