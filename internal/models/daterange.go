// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package models

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the calendar-day format used for every file name and key.
const DateLayout = "2006-01-02"

// ErrInvalidDate is returned for malformed or out-of-order date arguments.
var ErrInvalidDate = errors.New("invalid date")

// DateRange is an inclusive range of calendar days in UTC.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ValidDate reports whether s is a real YYYY-MM-DD calendar date.
func ValidDate(s string) bool {
	if len(s) != len(DateLayout) {
		return false
	}
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// Today returns the current UTC date.
func Today(now time.Time) string {
	return now.UTC().Format(DateLayout)
}

// AddDays shifts a YYYY-MM-DD date by n days. An invalid date is returned unchanged.
func AddDays(day string, n int) string {
	t, err := time.Parse(DateLayout, day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, n).Format(DateLayout)
}

// DaysBetween returns end-start in whole days.
func DaysBetween(start, end string) int {
	s, err1 := time.Parse(DateLayout, start)
	e, err2 := time.Parse(DateLayout, end)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(e.Sub(s).Hours() / 24)
}

// NewDateRange validates and builds a range.
func NewDateRange(start, end string) (DateRange, error) {
	if !ValidDate(start) {
		return DateRange{}, fmt.Errorf("%w: %q (expected YYYY-MM-DD)", ErrInvalidDate, start)
	}
	if !ValidDate(end) {
		return DateRange{}, fmt.Errorf("%w: %q (expected YYYY-MM-DD)", ErrInvalidDate, end)
	}
	if start > end {
		return DateRange{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidDate, start, end)
	}
	return DateRange{Start: start, End: end}, nil
}

// RollingWindow returns the last days calendar days ending on today.
func RollingWindow(today string, days int) DateRange {
	if days < 1 {
		days = 1
	}
	return DateRange{Start: AddDays(today, -(days - 1)), End: today}
}

// ParseDateArgs turns CLI positional arguments into a range:
// none means today, one means that single day, two mean start and end.
func ParseDateArgs(args []string, today string) (DateRange, error) {
	switch len(args) {
	case 0:
		return NewDateRange(today, today)
	case 1:
		return NewDateRange(args[0], args[0])
	case 2:
		return NewDateRange(args[0], args[1])
	default:
		return DateRange{}, fmt.Errorf("%w: expected at most two dates, got %d arguments", ErrInvalidDate, len(args))
	}
}

// Days lists every day in the range in ascending order.
func (r DateRange) Days() []string {
	if !ValidDate(r.Start) || !ValidDate(r.End) || r.Start > r.End {
		return nil
	}
	days := make([]string, 0, DaysBetween(r.Start, r.End)+1)
	for d := r.Start; d <= r.End; d = AddDays(d, 1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether day falls inside the range.
func (r DateRange) Contains(day string) bool {
	return day >= r.Start && day <= r.End
}

// OnDay reports whether a row dated date belongs to day. Undated rows are
// attributed to the day they were fetched for.
func OnDay(date, day string) bool {
	return date == "" || date == day
}

// String renders the range as "start..end".
func (r DateRange) String() string {
	if r.Start == r.End {
		return r.Start
	}
	return r.Start + ".." + r.End
}
