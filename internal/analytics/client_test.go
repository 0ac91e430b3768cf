// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package analytics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/config"
	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/models"
)

func row(date, host, path, hour, views, users string) reportRow {
	return reportRow{
		DimensionValues: []value{{date}, {host}, {path}, {hour}},
		MetricValues:    []value{{views}, {users}},
	}
}

func newReportServer(t *testing.T, token string, rows []reportRow) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/v1beta/properties/123:runReport") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req reportRequest
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		end := req.Offset + req.Limit
		if end > len(rows) {
			end = len(rows)
		}
		page := []reportRow{}
		if req.Offset < len(rows) {
			page = rows[req.Offset:end]
		}
		json.NewEncoder(w).Encode(reportResponse{Rows: page, RowCount: len(rows)})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(srv *httptest.Server, cfg config.AnalyticsConfig) *Client {
	cfg.Endpoint = srv.URL
	cfg.PropertyID = "123"
	return NewClient(&cfg, identity.NewResolver("", []string{"advancial-prod"}), Options{HTTPClient: srv.Client()})
}

func TestFetchDayClassifiesRows(t *testing.T) {
	t.Parallel()

	srv, _ := newReportServer(t, "tok", []reportRow{
		row("20250101", "alpha.prod.cardupdatr.app", "/select-merchants", "09", "12", "4"),
		row("20250101", "default.advancial-prod.cardupdatr.app", "/credential-entry/x", "10", "3", "1"),
		row("20250101", "developer.dev.example.com", "/home", "11", "7.0", "2"),
		row("20250101", "", "", "12", "99", "9"),
	})
	c := testClient(srv, config.AnalyticsConfig{AccessToken: "tok"})

	rows, err := c.FetchDay(context.Background(), "2025-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (empty host and path dropped)", len(rows))
	}

	want := []models.AnalyticsRow{
		{Date: "2025-01-01", Host: "alpha.prod.cardupdatr.app", Path: "/select-merchants", Hour: "09", Views: 12, ActiveUsers: 4,
			FIKey: "alpha", Instance: "prod", IsVendorHost: true, IsFunnelPage: true},
		{Date: "2025-01-01", Host: "default.advancial-prod.cardupdatr.app", Path: "/credential-entry/x", Hour: "10", Views: 3, ActiveUsers: 1,
			FIKey: "advancial-prod", Instance: "advancial-prod", IsVendorHost: true, IsFunnelPage: true},
		{Date: "2025-01-01", Host: "developer.dev.example.com", Path: "/home", Hour: "11", Views: 7, ActiveUsers: 2,
			FIKey: "developer", Instance: "dev.example.com", IsVendorHost: false, IsFunnelPage: false},
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %+v\nwant %+v", i, rows[i], want[i])
		}
	}
}

func TestFetchDayPaginates(t *testing.T) {
	t.Parallel()

	var all []reportRow
	for i := 0; i < 5; i++ {
		all = append(all, row("20250101", "alpha.prod.cardupdatr.app", "/select-merchants", "01", "1", "1"))
	}
	srv, calls := newReportServer(t, "tok", all)
	c := testClient(srv, config.AnalyticsConfig{AccessToken: "tok", RowLimit: 2})

	rows, err := c.FetchDay(context.Background(), "2025-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Errorf("rows = %d, want 5", len(rows))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestFetchDayCredentialsFile(t *testing.T) {
	t.Parallel()

	srv, _ := newReportServer(t, "from-file", []reportRow{
		row("20250101", "alpha.prod.cardupdatr.app", "/user-data-collection", "01", "2", "1"),
	})
	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, []byte(`{"access_token":"from-file"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	c := testClient(srv, config.AnalyticsConfig{CredentialsFile: path})

	rows, err := c.FetchDay(context.Background(), "2025-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || !rows[0].IsFunnelPage {
		t.Errorf("rows = %+v", rows)
	}
}

func TestFetchDayErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newReportServer(t, "right", nil)

	if _, err := testClient(srv, config.AnalyticsConfig{}).FetchDay(context.Background(), "2025-01-01"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}

	_, err := testClient(srv, config.AnalyticsConfig{AccessToken: "wrong"}).FetchDay(context.Background(), "2025-01-01")
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Errorf("err = %v, want status 401", err)
	}

	if _, err := testClient(srv, config.AnalyticsConfig{AccessToken: "right"}).FetchDay(context.Background(), "2025/01/01"); !errors.Is(err, models.ErrInvalidDate) {
		t.Errorf("err = %v, want ErrInvalidDate", err)
	}
}

func TestFetchDayThroughBreaker(t *testing.T) {
	t.Parallel()

	srv, _ := newReportServer(t, "tok", []reportRow{
		row("20250101", "alpha.prod.cardupdatr.app", "/select-merchants", "01", "2", "1"),
	})
	cfg := config.AnalyticsConfig{Endpoint: srv.URL, PropertyID: "123", AccessToken: "tok"}
	c := NewClient(&cfg, identity.NewResolver("", nil), Options{HTTPClient: srv.Client(), CircuitBreaker: true})

	rows, err := c.FetchDay(context.Background(), "2025-01-01")
	if err != nil || len(rows) != 1 {
		t.Fatalf("FetchDay = %v, %v", rows, err)
	}
}
