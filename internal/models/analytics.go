// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package models

import (
	"strings"

	"github.com/goccy/go-json"
)

// Funnel stages, in the order a user passes through them.
const (
	StageSelectMerchants    = "select_merchants"
	StageUserDataCollection = "user_data_collection"
	StageCredentialEntry    = "credential_entry"
)

// funnelPrefixes maps a path prefix to its stage.
var funnelPrefixes = []struct {
	prefix string
	stage  string
}{
	{"/select-merchants", StageSelectMerchants},
	{"/user-data-collection", StageUserDataCollection},
	{"/credential-entry", StageCredentialEntry},
}

// FunnelStage returns the stage whose prefix is the longest match for path,
// or "" when the path is not a funnel page.
func FunnelStage(path string) string {
	p := strings.ToLower(strings.TrimSpace(path))
	best, bestLen := "", 0
	for _, fp := range funnelPrefixes {
		if strings.HasPrefix(p, fp.prefix) && len(fp.prefix) > bestLen {
			best, bestLen = fp.stage, len(fp.prefix)
		}
	}
	return best
}

// AnalyticsRow is one web-analytics report row, classified at fetch time.
type AnalyticsRow struct {
	Date         string `json:"date"`
	Host         string `json:"host"`
	Path         string `json:"path"`
	Hour         string `json:"hour,omitempty"`
	Views        int64  `json:"views"`
	ActiveUsers  int64  `json:"active_users"`
	FIKey        string `json:"fi_key"`
	Instance     string `json:"instance"`
	IsVendorHost bool   `json:"is_vendor_host"`
	IsFunnelPage bool   `json:"is_funnel_page"`
}

// AnalyticsRowsFromRecords converts stored analytics records back into rows.
func AnalyticsRowsFromRecords(recs []Record) ([]AnalyticsRow, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return nil, err
	}
	var rows []AnalyticsRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// AnalyticsRowsToRecords converts rows into generic records for storage.
func AnalyticsRowsToRecords(rows []AnalyticsRow) ([]Record, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(rows))
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
