// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package models

import "strings"

// Sentinel identity values. Unresolvable records are bucketed under these
// instead of being dropped so that totals stay complete.
const (
	UnknownFI       = "UNKNOWN_FI"
	UnknownInstance = "unknown"
	UnknownOutcome  = "UNKNOWN"
	UnknownMerchant = "UNKNOWN"
)

// Field chains, most specific first.
var (
	sessionNameKeys   = []string{"fi_name", "financial_institution", "financial_institution_name", "institution", "org_name"}
	placementNameKeys = []string{"fi_name", "financial_institution", "financial_institution_name", "issuer_name"}
	lookupKeyKeys     = []string{"financial_institution_lookup_key", "fi_lookup_key", "financial_institution"}
	instanceKeys      = []string{"_instance", "instance_name", "instance", "org_name"}
	sessionDateKeys   = []string{"created_on", "created_at", "session_created_on"}
	placementDateKeys = []string{"created_on", "created_at", "result_created_on"}
	placementFIKeys   = []string{"fi_lookup_key", "financial_institution_lookup_key", "fi_name", "financial_institution", "org_name"}
	recordIDKeys      = []string{"id", "session_id", "uuid"}
)

// InstanceField is the key the fetch engine stamps on every record with the
// name of the instance it came from.
const InstanceField = "_instance"

// RecordID returns the upstream id of a record, or "".
func (r Record) RecordID() string {
	return r.Str(recordIDKeys...)
}

// Instance returns the lower-cased instance name carried by the record.
func (r Record) Instance() string {
	return strings.ToLower(r.Str(instanceKeys...))
}

// LookupKey returns the raw FI lookup key, unnormalized.
func (r Record) LookupKey() string {
	return r.Str(lookupKeyKeys...)
}

// SessionFIName returns the display name of a session's FI.
func (r Record) SessionFIName() string {
	if s := r.Str(sessionNameKeys...); s != "" {
		return s
	}
	return UnknownFI
}

// PlacementFIName returns the display name of a placement's FI.
func (r Record) PlacementFIName() string {
	if s := r.Str(placementNameKeys...); s != "" {
		return s
	}
	return UnknownFI
}

// SessionDate returns the calendar day a session was created.
func (r Record) SessionDate() string {
	return r.Date(sessionDateKeys...)
}

// PlacementDate returns the calendar day a placement result was created.
func (r Record) PlacementDate() string {
	return r.Date(placementDateKeys...)
}

// SessionFIKey is the rollup bucket key of a session.
func (r Record) SessionFIKey() string {
	return normalizeFIKey(r.Str(lookupKeyKeys...))
}

// PlacementFIKey is the rollup, aggregate and audit bucket key of a placement.
// All three views use this one chain so that a reconciliation mismatch means
// a count drifted, never that two views keyed the same record differently.
func (r Record) PlacementFIKey() string {
	return normalizeFIKey(r.Str(placementFIKeys...))
}

func normalizeFIKey(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return UnknownFI
	}
	return v
}

// HasJobs reports whether the session started at least one placement job.
func (r Record) HasJobs() bool {
	return r.Int("total_jobs") > 0
}

// HasSuccess reports whether the session completed at least one job.
func (r Record) HasSuccess() bool {
	return r.Int("successful_jobs") > 0
}

// OutcomeCode is the upper-cased termination type, or UNKNOWN.
func (r Record) OutcomeCode() string {
	if t := strings.ToUpper(r.Str("termination_type")); t != "" {
		return t
	}
	return UnknownOutcome
}

// PlacementStatus is the upper-cased status, or UNKNOWN.
func (r Record) PlacementStatus() string {
	if s := strings.ToUpper(r.Str("status")); s != "" {
		return s
	}
	return UnknownOutcome
}

// SuccessOutcomes are the termination types and statuses that count as a
// successful placement. The rollup builder, the aggregate export and the
// auditor all use IsPlacementSuccess.
var SuccessOutcomes = map[string]bool{
	"BILLABLE":   true,
	"SUCCESSFUL": true,
}

// IsPlacementSuccess reports whether a placement result is successful.
func (r Record) IsPlacementSuccess() bool {
	return SuccessOutcomes[strings.ToUpper(r.Str("termination_type"))] ||
		SuccessOutcomes[strings.ToUpper(r.Str("status"))]
}

// Merchant returns the merchant a placement targeted.
func (r Record) Merchant() string {
	if h := r.Str("merchant_site_hostname", "merchant_name", "site_name"); h != "" {
		return strings.ToLower(h)
	}
	if id := r.Str("merchant_site_id"); id != "" {
		return "merchant_" + id
	}
	return UnknownMerchant
}

// Health classes of a placement result.
const (
	HealthHealthy     = "healthy"
	HealthUserFlow    = "user_flow"
	HealthSiteFailure = "site_failure"
	HealthUnknown     = "unknown"
)

var userFlowCodes = map[string]bool{
	"USER_DATA_FAILURE":        true,
	"NEVER_STARTED":            true,
	"TIMEOUT_TFA":              true,
	"TIMEOUT_CREDENTIALS":      true,
	"ACCOUNT_SETUP_INCOMPLETE": true,
	"CANCELED":                 true,
	"ABANDONED_QUICKSTART":     true,
	"TOO_MANY_LOGIN_FAILURES":  true,
	"PASSWORD_RESET_REQUIRED":  true,
	"ACCOUNT_LOCKED":           true,
}

// HealthClass buckets an outcome into healthy, user flow or site failure.
func HealthClass(termination, status string) string {
	termination = strings.ToUpper(termination)
	status = strings.ToUpper(status)
	switch {
	case termination == "BILLABLE", termination == "" && SuccessOutcomes[status]:
		return HealthHealthy
	case userFlowCodes[termination] || userFlowCodes[status]:
		return HealthUserFlow
	case termination == "" && status == "":
		return HealthUnknown
	default:
		return HealthSiteFailure
	}
}

// PlacementHealth classifies a placement record.
func (r Record) PlacementHealth() string {
	return HealthClass(r.Str("termination_type"), r.Str("status"))
}

// IsTestInstance reports whether an instance name looks like a dev or test deployment.
func IsTestInstance(instance string) bool {
	i := strings.ToLower(instance)
	return strings.Contains(i, "dev") || strings.Contains(i, "test")
}
