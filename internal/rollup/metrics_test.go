// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package rollup

import (
	"testing"

	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/models"
)

func metricsDocs() []*Document {
	reg := identity.NewRegistry(identity.NewRules(nil, []string{"pscu"}, nil, nil))
	reg.Upsert(identity.Observation{LookupKey: "alpha", Instance: "pscu", Source: identity.SourceSession, SeenDate: day})
	reg.Upsert(identity.Observation{LookupKey: "gamma", Instance: "prod", Source: identity.SourceSession, SeenDate: day})
	reg.Upsert(identity.Observation{LookupKey: "devfi", Instance: "dev-1", Source: identity.SourceSession, SeenDate: day})

	placement := func(fi, inst, date, term, merchant string) models.Record {
		return models.Record{"fi_lookup_key": fi, "_instance": inst, "created_on": date, "termination_type": term, "merchant_site_hostname": merchant}
	}
	session := func(fi, inst, date string, jobs int) models.Record {
		return models.Record{"financial_institution_lookup_key": fi, "_instance": inst, "created_on": date, "total_jobs": float64(jobs)}
	}

	d1 := Build("2025-01-01", Inputs{
		Analytics: []models.AnalyticsRow{{Path: "/select-merchants", Views: 5, FIKey: "alpha", Instance: "pscu"}},
		Sessions: []models.Record{
			session("alpha", "pscu", "2025-01-01", 1),
			session("gamma", "prod", "2025-01-01", 0),
			session("devfi", "dev-1", "2025-01-01", 1),
		},
		Placements: []models.Record{
			placement("alpha", "pscu", "2025-01-01", "BILLABLE", "amazon.com"),
			placement("alpha", "pscu", "2025-01-01", "SITE_INTERACTION_FAILURE", "amazon.com"),
			placement("gamma", "prod", "2025-01-01", "SITE_INTERACTION_FAILURE", "netflix.com"),
			placement("devfi", "dev-1", "2025-01-01", "BILLABLE", "amazon.com"),
		},
	}, reg)
	d2 := Build("2025-01-02", Inputs{
		Placements: []models.Record{
			placement("gamma", "prod", "2025-01-02", "TIMEOUT_TFA", "netflix.com"),
			placement("gamma", "prod", "2025-01-02", "SITE_INTERACTION_FAILURE", "netflix.com"),
		},
	}, reg)
	// Out of order on purpose.
	return []*Document{d2, d1}
}

func TestFunnel(t *testing.T) {
	t.Parallel()

	r := models.DateRange{Start: "2025-01-01", End: "2025-01-02"}
	resp := Funnel(metricsDocs(), Query{Range: r})

	if resp.DaysWithData != 2 || len(resp.ByDay) != 2 || resp.ByDay[0].Date != "2025-01-01" {
		t.Errorf("by_day = %+v", resp.ByDay)
	}
	// devfi lives only on a dev instance and is excluded by default.
	if resp.Overall.Sessions != 2 || resp.Overall.Placements != 5 || resp.Overall.Successful != 1 {
		t.Errorf("overall = %+v", resp.Overall)
	}
	if len(resp.ByFI) != 2 || resp.ByFI[0].FILookupKey != "alpha" || resp.ByFI[1].FILookupKey != "gamma" {
		t.Fatalf("by_fi = %+v", resp.ByFI)
	}
	if a := resp.ByFI[0]; a.SelectMerchants != 5 || a.IntegrationType != identity.IntegrationSSO || len(a.Instances) != 1 {
		t.Errorf("alpha = %+v", a)
	}

	withTests := Funnel(metricsDocs(), Query{Range: r, IncludeTests: true})
	if withTests.Overall.Sessions != 3 {
		t.Errorf("includeTests sessions = %d, want 3", withTests.Overall.Sessions)
	}

	sso := Funnel(metricsDocs(), Query{Range: r, Scope: "SSO"})
	if len(sso.ByFI) != 1 || sso.ByFI[0].FILookupKey != "alpha" {
		t.Errorf("sso scope = %+v", sso.ByFI)
	}

	listed := Funnel(metricsDocs(), Query{Range: r, FIList: []string{"Gamma"}})
	if len(listed.ByFI) != 1 || listed.ByFI[0].FILookupKey != "gamma" {
		t.Errorf("fi_list = %+v", listed.ByFI)
	}

	byInstance := Funnel(metricsDocs(), Query{Range: r, InstanceList: []string{"prod"}})
	if len(byInstance.ByFI) != 1 || byInstance.ByFI[0].FILookupKey != "gamma" {
		t.Errorf("instance_list = %+v", byInstance.ByFI)
	}
}

func TestOps(t *testing.T) {
	t.Parallel()

	resp := Ops(metricsDocs(), Query{Range: models.DateRange{Start: "2025-01-01", End: "2025-01-02"}})

	if o := resp.Overall; o.JobsTotal != 5 || o.JobsSuccess != 1 || o.JobsFailed != 4 || o.FailureRate != 0.8 {
		t.Errorf("overall = %+v", o)
	}
	if len(resp.ByDay) != 2 || resp.ByDay[1].JobsTotal != 2 || resp.ByDay[1].FailureRate != 1 {
		t.Errorf("by_day = %+v", resp.ByDay)
	}

	if len(resp.ByMerchant) != 2 {
		t.Fatalf("by_merchant = %+v", resp.ByMerchant)
	}
	netflix := resp.ByMerchant[0]
	if netflix.Merchant != "netflix.com" || netflix.JobsTotal != 3 || netflix.TopErrorCode != "SITE_INTERACTION_FAILURE" {
		t.Errorf("netflix = %+v", netflix)
	}

	if len(resp.ByFIInstance) != 2 || resp.ByFIInstance[0].FILookupKey != "alpha" || resp.ByFIInstance[1].JobsTotal != 3 {
		t.Errorf("by_fi_instance = %+v", resp.ByFIInstance)
	}

	top := resp.StatusBreakdown[0]
	if top.Code != "SITE_INTERACTION_FAILURE" || top.Count != 3 || top.Health != models.HealthSiteFailure {
		t.Errorf("status_breakdown[0] = %+v", top)
	}

	filtered := Ops(metricsDocs(), Query{MerchantList: []string{"amazon.com"}})
	if len(filtered.ByMerchant) != 1 || filtered.ByMerchant[0].Merchant != "amazon.com" {
		t.Errorf("merchant_list = %+v", filtered.ByMerchant)
	}
}

func TestTopCode(t *testing.T) {
	t.Parallel()

	if got := topCode(map[string]int64{"B": 2, "A": 2, "C": 1}); got != "A" {
		t.Errorf("topCode tie = %q, want A", got)
	}
	if got := topCode(nil); got != "" {
		t.Errorf("topCode(nil) = %q", got)
	}
}
