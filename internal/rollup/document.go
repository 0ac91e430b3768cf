// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package rollup builds the per-day, per-FI documents every dashboard and
// report reads, stores them one file per day, and answers the funnel and
// ops metrics queries from them.
package rollup

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Document is the rollup of one calendar day.
type Document struct {
	Date        string                    `json:"date"`
	Sources     Sources                   `json:"sources"`
	FI          map[string]*FIRollup      `json:"fi"`
	FIInstances map[string]*InstanceCount `json:"fi_instances"`
}

// Sources records which inputs were available when the document was built.
type Sources struct {
	Analytics  bool `json:"analytics"`
	Sessions   bool `json:"sessions"`
	Placements bool `json:"placements"`
}

// FIRollup holds one FI's counts for the day.
type FIRollup struct {
	Analytics          StageCounts     `json:"analytics"`
	AnalyticsInstances []string        `json:"analytics_instances"`
	Sessions           SessionCounts   `json:"sessions"`
	Placements         PlacementCounts `json:"placements"`
	IntegrationType    string          `json:"integration_type"`
}

// StageCounts are page views per funnel stage.
type StageCounts struct {
	SelectMerchants    int64 `json:"select_merchants"`
	UserDataCollection int64 `json:"user_data_collection"`
	CredentialEntry    int64 `json:"credential_entry"`
}

// Add accumulates o into s.
func (s *StageCounts) Add(o StageCounts) {
	s.SelectMerchants += o.SelectMerchants
	s.UserDataCollection += o.UserDataCollection
	s.CredentialEntry += o.CredentialEntry
}

// SessionCounts summarize cardholder sessions.
type SessionCounts struct {
	Total       int64 `json:"total"`
	WithJobs    int64 `json:"with_jobs"`
	WithSuccess int64 `json:"with_success"`
	WithoutJobs int64 `json:"without_jobs"`
}

// Add accumulates o into s.
func (s *SessionCounts) Add(o SessionCounts) {
	s.Total += o.Total
	s.WithJobs += o.WithJobs
	s.WithSuccess += o.WithSuccess
	s.WithoutJobs += o.WithoutJobs
}

// PlacementCounts summarize card placement results.
type PlacementCounts struct {
	Total         int64                     `json:"total"`
	Successful    int64                     `json:"successful"`
	ByOutcomeCode map[string]int64          `json:"by_outcome_code"`
	ByHealth      map[string]int64          `json:"by_health"`
	ByMerchant    map[string]*MerchantCount `json:"by_merchant"`
}

// MerchantCount is the placement tally of one merchant.
type MerchantCount struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`

	// FailureCodes counts the outcome codes of unsuccessful placements.
	FailureCodes map[string]int64 `json:"failure_codes,omitempty"`
}

// InstanceCount is the per-(FI, instance) breakdown of sessions and placements.
type InstanceCount struct {
	FILookupKey          string `json:"fi_lookup_key"`
	Instance             string `json:"instance"`
	Sessions             int64  `json:"sessions"`
	Placements           int64  `json:"placements"`
	SuccessfulPlacements int64  `json:"successful_placements"`
}

func newFIRollup() *FIRollup {
	return &FIRollup{
		AnalyticsInstances: []string{},
		Placements: PlacementCounts{
			ByOutcomeCode: map[string]int64{},
			ByHealth:      map[string]int64{},
			ByMerchant:    map[string]*MerchantCount{},
		},
	}
}

// Marshal renders the document as indented JSON. Map keys are emitted in
// sorted order and instance lists are kept sorted, so equal documents
// produce identical bytes.
func (d *Document) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Unmarshal decodes a stored document.
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.FI == nil {
		d.FI = map[string]*FIRollup{}
	}
	if d.FIInstances == nil {
		d.FIInstances = map[string]*InstanceCount{}
	}
	return &d, nil
}
