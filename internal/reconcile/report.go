// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package reconcile

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// CSVHeader is the first line of WriteCSV output.
var CSVHeader = []string{
	"fi_lookup_key",
	"raw_success", "raw_total",
	"daily_success", "daily_total",
	"aggregate_success", "aggregate_total",
	"notes",
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func csvRecord(r Row) []string {
	return []string{
		r.FI,
		itoa(r.Raw.Success), itoa(r.Raw.Total),
		itoa(r.Daily.Success), itoa(r.Daily.Total),
		itoa(r.Aggregate.Success), itoa(r.Aggregate.Total),
		strings.Join(r.Notes, "|"),
	}
}

// WriteCSV writes the per-FI comparison followed by the TOTAL row.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, row := range r.Rows {
		if err := cw.Write(csvRecord(row)); err != nil {
			return err
		}
	}
	if err := cw.Write(csvRecord(r.Total)); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Marks used in the OK column.
const (
	markOK       = "✔"
	markMismatch = "✖"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	okStyle       = cellStyle.Foreground(lipgloss.Color("2"))
	mismatchStyle = cellStyle.Foreground(lipgloss.Color("1"))
)

// WriteTable writes the compact FI / RAW / ROLLUP / AGGREGATE / OK summary
// of success counts.
func (r *Report) WriteTable(w io.Writer) error {
	rows := make([][]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		mark := markOK
		if !row.OK() {
			mark = markMismatch
		}
		rows = append(rows, []string{row.FI, itoa(row.Raw.Success), itoa(row.Daily.Success), itoa(row.Aggregate.Success), mark})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("FI", "RAW", "ROLLUP", "AGGREGATE", "OK").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 4 && row >= 0 && row < len(rows) && rows[row][4] == markMismatch:
				return mismatchStyle
			case col == 4:
				return okStyle
			default:
				return cellStyle
			}
		})

	if _, err := fmt.Fprintf(w, "Audit window: %s -> %s  FI filter: %s\n", r.Range.Start, r.Range.End, r.filterLabel()); err != nil {
		return err
	}
	if r.AggregateMissing {
		if _, err := fmt.Fprintln(w, "No aggregate export found; AGGREGATE column is zero."); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func (r *Report) filterLabel() string {
	if r.Filter == AllFIs {
		return "ALL (per FI)"
	}
	return r.Filter
}
