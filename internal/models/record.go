// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package models holds the record and document types shared by the
// ingestion pipeline, the rollup builder and the API.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Record is one upstream event (session or placement) as received.
// Upstream payloads differ between instances and API versions, so records
// stay schemaless and fields are read through the accessor chains below.
type Record map[string]any

// Str returns the first non-empty string value among keys.
// Numbers are formatted so that numeric ids still produce a usable key.
func (r Record) Str(keys ...string) string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			s = strconv.Itoa(t)
		case int64:
			s = strconv.FormatInt(t, 10)
		case bool:
			s = strconv.FormatBool(t)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Int returns the integer value of key, or 0 when absent or not numeric.
func (r Record) Int(key string) int64 {
	switch t := r[key].(type) {
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Date returns the first parseable date among keys as YYYY-MM-DD (UTC).
func (r Record) Date(keys ...string) string {
	for _, k := range keys {
		v := r.Str(k)
		if v == "" {
			continue
		}
		if d := DateOnly(v); d != "" {
			return d
		}
	}
	return ""
}

// DateOnly truncates a timestamp or date string to YYYY-MM-DD in UTC.
// Strings that do not parse but start with a valid date are truncated.
func DateOnly(v string) string {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Format(DateLayout)
		}
	}
	if len(v) >= 10 && ValidDate(v[:10]) {
		return v[:10]
	}
	return ""
}

// DecodeRecords decodes a JSON array of objects.
func DecodeRecords(data []byte) ([]Record, error) {
	var rows []Record
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
