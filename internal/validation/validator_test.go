// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package validation

import (
	"strings"
	"testing"
)

type rangeRequest struct {
	DateFrom  string   `json:"date_from" validate:"required,ymd"`
	DateTo    string   `json:"date_to" validate:"omitempty,ymd,ymdgte=DateFrom"`
	Scope     string   `json:"fi_scope" validate:"omitempty,oneof=all sso non-sso cardsavr"`
	Instances []string `json:"instance_list" validate:"max=2,dive,min=1"`
	Internal  string   `json:"-" validate:"omitempty,min=3"`
}

func TestGetValidatorSingleton(t *testing.T) {
	t.Parallel()
	if GetValidator() != GetValidator() || GetValidator() == nil {
		t.Error("GetValidator should return one shared instance")
	}
}

func TestValidateStruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     rangeRequest
		wantField string
		wantTag   string
	}{
		{name: "single day", input: rangeRequest{DateFrom: "2025-01-05"}},
		{name: "range", input: rangeRequest{DateFrom: "2025-01-05", DateTo: "2025-01-31", Scope: "sso"}},
		{name: "same day", input: rangeRequest{DateFrom: "2025-01-05", DateTo: "2025-01-05"}},
		{name: "missing start", input: rangeRequest{}, wantField: "date_from", wantTag: "required"},
		{name: "bad format", input: rangeRequest{DateFrom: "01/05/2025"}, wantField: "date_from", wantTag: "ymd"},
		{name: "impossible day", input: rangeRequest{DateFrom: "2025-02-30"}, wantField: "date_from", wantTag: "ymd"},
		{name: "end before start", input: rangeRequest{DateFrom: "2025-01-05", DateTo: "2025-01-04"}, wantField: "date_to", wantTag: "ymdgte"},
		{name: "unknown scope", input: rangeRequest{DateFrom: "2025-01-05", Scope: "partner"}, wantField: "fi_scope", wantTag: "oneof"},
		{name: "too many instances", input: rangeRequest{DateFrom: "2025-01-05", Instances: []string{"a", "b", "c"}}, wantField: "instance_list", wantTag: "max"},
		{name: "empty instance", input: rangeRequest{DateFrom: "2025-01-05", Instances: []string{""}}, wantField: "instance_list[0]", wantTag: "min"},
		{name: "unexported json name", input: rangeRequest{DateFrom: "2025-01-05", Internal: "x"}, wantField: "", wantTag: "min"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			verr := ValidateStruct(&tt.input)
			if tt.wantTag == "" {
				if verr != nil {
					t.Fatalf("ValidateStruct = %v, want nil", verr)
				}
				return
			}
			if verr == nil {
				t.Fatal("ValidateStruct = nil, want error")
			}
			e := verr.Errors()[0]
			if e.Tag() != tt.wantTag || (tt.wantField != "" && e.Field() != tt.wantField) {
				t.Errorf("error = %s/%s (%q), want %s/%s", e.Field(), e.Tag(), e.Error(), tt.wantField, tt.wantTag)
			}
		})
	}
}

func TestToAPIError(t *testing.T) {
	t.Parallel()

	one := ValidateStruct(&rangeRequest{DateFrom: "2025-01-05", DateTo: "2025-01-01"}).ToAPIError()
	if one.Code != CodeValidation || one.Message != "date_to must not be before the start date" {
		t.Errorf("single = %+v", one)
	}
	if one.Details["field"] != "date_to" || one.Details["value"] != "2025-01-01" {
		t.Errorf("single details = %+v", one.Details)
	}

	many := ValidateStruct(&rangeRequest{DateFrom: "bad", Scope: "x"}).ToAPIError()
	if !strings.Contains(many.Message, "date_from must be a date in YYYY-MM-DD format") ||
		!strings.Contains(many.Message, "fi_scope must be one of: all sso non-sso cardsavr") {
		t.Errorf("multi message = %q", many.Message)
	}
	fields, ok := many.Details["fields"].([]map[string]any)
	if !ok || len(fields) != 2 {
		t.Errorf("multi details = %+v", many.Details)
	}

	empty := (&RequestValidationError{}).ToAPIError()
	if empty.Message != "Validation failed" {
		t.Errorf("empty = %+v", empty)
	}
}

func TestValidateNonStruct(t *testing.T) {
	t.Parallel()
	verr := ValidateStruct("not a struct")
	if verr == nil || verr.Errors()[0].Field() != "request" {
		t.Errorf("ValidateStruct(string) = %v", verr)
	}
}
