// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package rollup

import (
	"fmt"

	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/snapshot"
)

// Inputs are the decoded rows of one day. A nil slice means the source was
// not available (absent or an error marker); an empty slice means it was
// fetched and held no rows.
type Inputs struct {
	Analytics  []models.AnalyticsRow
	Sessions   []models.Record
	Placements []models.Record
}

// InputsFromSnapshots decodes stored snapshots into Inputs. Nil snapshots
// and error markers leave the corresponding source unavailable.
func InputsFromSnapshots(analytics, sessions, placements *snapshot.Snapshot) (Inputs, error) {
	var in Inputs
	if usable(analytics) {
		rows, err := models.AnalyticsRowsFromRecords(analytics.Rows)
		if err != nil {
			return Inputs{}, fmt.Errorf("decoding analytics rows for %s: %w", analytics.Date, err)
		}
		if rows == nil {
			rows = []models.AnalyticsRow{}
		}
		in.Analytics = rows
	}
	if usable(sessions) {
		in.Sessions = sessions.Rows
	}
	if usable(placements) {
		in.Placements = placements.Rows
	}
	return in, nil
}

func usable(s *snapshot.Snapshot) bool {
	return s != nil && !s.IsError()
}

// Build computes the document for day. It has no side effects; the same
// inputs always produce the same document. reg may be nil, in which case
// every FI's integration type is unknown.
func Build(day string, in Inputs, reg *identity.Registry) *Document {
	doc := &Document{
		Date: day,
		Sources: Sources{
			Analytics:  in.Analytics != nil,
			Sessions:   in.Sessions != nil,
			Placements: in.Placements != nil,
		},
		FI:          map[string]*FIRollup{},
		FIInstances: map[string]*InstanceCount{},
	}
	fi := func(key string) *FIRollup {
		r, ok := doc.FI[key]
		if !ok {
			r = newFIRollup()
			doc.FI[key] = r
		}
		return r
	}
	inst := func(fiKey, instance string) *InstanceCount {
		if instance == "" {
			instance = models.UnknownInstance
		}
		k := identity.Key(fiKey, instance)
		c, ok := doc.FIInstances[k]
		if !ok {
			c = &InstanceCount{FILookupKey: fiKey, Instance: instance}
			doc.FIInstances[k] = c
		}
		return c
	}

	for _, row := range in.Analytics {
		if !models.OnDay(row.Date, day) {
			continue
		}
		vendor, funnel := classify(row)
		if !vendor {
			continue
		}
		r := fi(analyticsKey(row))
		if row.Instance != "" && row.Instance != models.UnknownInstance {
			r.AnalyticsInstances = addUnique(r.AnalyticsInstances, row.Instance)
		}
		if !funnel {
			continue
		}
		switch models.FunnelStage(row.Path) {
		case models.StageSelectMerchants:
			r.Analytics.SelectMerchants += row.Views
		case models.StageUserDataCollection:
			r.Analytics.UserDataCollection += row.Views
		case models.StageCredentialEntry:
			r.Analytics.CredentialEntry += row.Views
		}
	}

	for _, rec := range in.Sessions {
		if !models.OnDay(rec.SessionDate(), day) {
			continue
		}
		key := rec.SessionFIKey()
		s := &fi(key).Sessions
		s.Total++
		if rec.HasJobs() {
			s.WithJobs++
		}
		if rec.HasSuccess() {
			s.WithSuccess++
		}
		inst(key, rec.Instance()).Sessions++
	}

	for _, rec := range in.Placements {
		if !models.OnDay(rec.PlacementDate(), day) {
			continue
		}
		key := rec.PlacementFIKey()
		success := rec.IsPlacementSuccess()
		p := &fi(key).Placements
		p.Total++
		p.ByOutcomeCode[rec.OutcomeCode()]++
		p.ByHealth[rec.PlacementHealth()]++
		m, ok := p.ByMerchant[rec.Merchant()]
		if !ok {
			m = &MerchantCount{}
			p.ByMerchant[rec.Merchant()] = m
		}
		m.Total++
		c := inst(key, rec.Instance())
		c.Placements++
		if success {
			p.Successful++
			m.Successful++
			c.SuccessfulPlacements++
		} else {
			if m.FailureCodes == nil {
				m.FailureCodes = map[string]int64{}
			}
			m.FailureCodes[rec.OutcomeCode()]++
		}
	}

	for key, r := range doc.FI {
		r.Sessions.WithoutJobs = max(0, r.Sessions.Total-r.Sessions.WithJobs)
		r.IntegrationType = identity.IntegrationUnknown
		if reg != nil {
			r.IntegrationType = reg.IntegrationFor(key)
		}
	}
	return doc
}

var defaultHosts = identity.NewResolver(identity.DefaultHostSuffix, nil)

// classify returns the vendor-host and funnel-page flags of row. Rows stored
// by the analytics fetcher carry both flags; a row with neither set is
// classified here from its host and path. A row with no host is attributed
// through its FI key alone and counts as vendor traffic.
func classify(row models.AnalyticsRow) (vendor, funnel bool) {
	if row.IsVendorHost || row.IsFunnelPage {
		return row.IsVendorHost, row.IsFunnelPage
	}
	vendor = row.Host == "" || defaultHosts.IsVendorHost(row.Host)
	return vendor, models.FunnelStage(row.Path) != ""
}

func analyticsKey(row models.AnalyticsRow) string {
	if row.FIKey == "" {
		return models.UnknownFI
	}
	return row.FIKey
}

// addUnique inserts v into the sorted list when missing.
func addUnique(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return list
		}
		if s > v {
			list = append(list, "")
			copy(list[i+1:], list[i:])
			list[i] = v
			return list
		}
	}
	return append(list, v)
}
