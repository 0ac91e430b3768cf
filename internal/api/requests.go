// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/refresh"
	"github.com/tomtom215/cardpulse/internal/rollup"
	"github.com/tomtom215/cardpulse/internal/validation"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// maxRangeDays bounds a metrics query. Each day is one document read.
const maxRangeDays = 366

// MetricsRequest is the body of POST /api/metrics/funnel and /ops.
// date_to defaults to date_from.
type MetricsRequest struct {
	DateFrom     string   `json:"date_from" validate:"required,ymd"`
	DateTo       string   `json:"date_to" validate:"omitempty,ymd,ymdgte=DateFrom"`
	FIScope      string   `json:"fi_scope" validate:"omitempty,oneof=all sso non-sso cardsavr"`
	FIList       []string `json:"fi_list" validate:"max=500,dive,min=1,max=200"`
	InstanceList []string `json:"instance_list" validate:"max=100,dive,min=1,max=200"`
	MerchantList []string `json:"merchant_list" validate:"max=500,dive,min=1,max=500"`
	IncludeTests bool     `json:"includeTests"`
}

// Query converts a validated request.
func (m *MetricsRequest) Query() (rollup.Query, error) {
	end := m.DateTo
	if end == "" {
		end = m.DateFrom
	}
	r, err := models.NewDateRange(m.DateFrom, end)
	if err != nil {
		return rollup.Query{}, err
	}
	if n := len(r.Days()); n > maxRangeDays {
		return rollup.Query{}, fmt.Errorf("%w: range spans %d days, at most %d allowed", models.ErrInvalidDate, n, maxRangeDays)
	}
	scope := m.FIScope
	if scope == "" {
		scope = rollup.ScopeAll
	}
	return rollup.Query{
		Range:        r,
		Scope:        scope,
		FIList:       m.FIList,
		InstanceList: m.InstanceList,
		MerchantList: m.MerchantList,
		IncludeTests: m.IncludeTests,
	}, nil
}

// RefreshRequest is the optional body of POST /api/v1/refresh. The same
// fields are accepted as query parameters (start, end, force).
type RefreshRequest struct {
	Start string `json:"start" validate:"omitempty,ymd"`
	End   string `json:"end" validate:"omitempty,ymd,ymdgte=Start"`
	Force bool   `json:"force"`
}

func (r RefreshRequest) toRefresh() refresh.Request {
	return refresh.Request{Start: r.Start, End: r.End, Force: r.Force}
}

var errEmptyBody = errors.New("request body is empty")

// decodeBody reads one JSON value into dst. An empty body returns
// errEmptyBody so callers can decide whether that is allowed.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// validateRequest returns the API error for an invalid v, or nil.
func validateRequest(v any) *APIError {
	verr := validation.ValidateStruct(v)
	if verr == nil {
		return nil
	}
	apiErr := verr.ToAPIError()
	return &APIError{Code: apiErr.Code, Message: apiErr.Message, Details: apiErr.Details}
}

// parseBool accepts the usual query flag spellings.
func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
