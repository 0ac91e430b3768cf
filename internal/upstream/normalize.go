// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package upstream

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/models"
)

// ErrUnexpectedShape is returned when a payload carries no recognizable row array.
var ErrUnexpectedShape = errors.New("unexpected payload shape")

// envelopeKeys are the object keys instances wrap row arrays in, in lookup order.
var envelopeKeys = []string{"body", "cardholder_sessions", "card_placement_results", "items"}

// Result is the normalized form of one upstream payload: rows, or an error.
type Result struct {
	Rows []models.Record
	Err  error
}

// OK reports whether the payload normalized to rows.
func (r Result) OK() bool {
	return r.Err == nil
}

// Normalize decodes a response body into a Result. A bare JSON array and
// objects wrapping an array under one of the envelope keys are accepted;
// anything else yields an error result.
func Normalize(body []byte) Result {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Result{Err: fmt.Errorf("%w: empty body", ErrUnexpectedShape)}
	}

	switch trimmed[0] {
	case '[':
		rows, err := models.DecodeRecords(trimmed)
		if err != nil {
			return Result{Err: fmt.Errorf("decoding row array: %w", err)}
		}
		return Result{Rows: nonNil(rows)}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Result{Err: fmt.Errorf("decoding payload: %w", err)}
		}
		for _, k := range envelopeKeys {
			raw, ok := obj[k]
			if !ok {
				continue
			}
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 || raw[0] != '[' {
				continue
			}
			rows, err := models.DecodeRecords(raw)
			if err != nil {
				return Result{Err: fmt.Errorf("decoding %s: %w", k, err)}
			}
			return Result{Rows: nonNil(rows)}
		}
		return Result{Err: fmt.Errorf("%w: object without a row array", ErrUnexpectedShape)}
	default:
		return Result{Err: fmt.Errorf("%w: %.32q", ErrUnexpectedShape, trimmed)}
	}
}

func nonNil(rows []models.Record) []models.Record {
	if rows == nil {
		return []models.Record{}
	}
	return rows
}
