// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package analytics fetches the daily web-analytics report (page views per
// host, path and hour) and classifies each row by tenant identity and funnel
// stage at fetch time.
package analytics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/config"
	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
	"github.com/tomtom215/cardpulse/internal/upstream"
)

// DefaultRowLimit is the page size requested from the report API.
const DefaultRowLimit = 10000

// ErrNoCredentials is returned when neither a token nor a credentials file is configured.
var ErrNoCredentials = errors.New("analytics credentials not configured")

// Fetcher returns the classified analytics rows of one day.
type Fetcher interface {
	FetchDay(ctx context.Context, date string) ([]models.AnalyticsRow, error)
}

// Client calls the report API's runReport method.
type Client struct {
	endpoint        string
	propertyID      string
	accessToken     string
	credentialsFile string
	rowLimit        int
	httpClient      *http.Client
	breaker         *upstream.Breaker
	resolver        *identity.Resolver

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

// Options tune a Client beyond the configuration.
type Options struct {
	HTTPClient     *http.Client
	CircuitBreaker bool
}

// NewClient creates a report client. resolver classifies hostnames.
func NewClient(cfg *config.AnalyticsConfig, resolver *identity.Resolver, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := cfg.RowLimit
	if limit <= 0 {
		limit = DefaultRowLimit
	}
	c := &Client{
		endpoint:        strings.TrimRight(cfg.Endpoint, "/"),
		propertyID:      cfg.PropertyID,
		accessToken:     cfg.AccessToken,
		credentialsFile: cfg.CredentialsFile,
		rowLimit:        limit,
		httpClient:      hc,
		resolver:        resolver,
	}
	if opts.CircuitBreaker {
		c.breaker = upstream.NewBreaker("analytics")
	}
	return c
}

type dimension struct {
	Name string `json:"name"`
}

type dateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type reportRequest struct {
	DateRanges []dateRange `json:"dateRanges"`
	Dimensions []dimension `json:"dimensions"`
	Metrics    []dimension `json:"metrics"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset,omitempty"`
}

type value struct {
	Value string `json:"value"`
}

type reportRow struct {
	DimensionValues []value `json:"dimensionValues"`
	MetricValues    []value `json:"metricValues"`
}

type reportResponse struct {
	Rows     []reportRow `json:"rows"`
	RowCount int         `json:"rowCount"`
}

// FetchDay returns every row of date's report. Every row is attributed to
// the requested day regardless of the date dimension.
func (c *Client) FetchDay(ctx context.Context, date string) ([]models.AnalyticsRow, error) {
	if !models.ValidDate(date) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDate, date)
	}
	token, err := c.bearerToken()
	if err != nil {
		return nil, err
	}

	var rows []models.AnalyticsRow
	for offset := 0; ; offset += c.rowLimit {
		resp, err := c.runReport(ctx, token, date, offset)
		if err != nil {
			return nil, fmt.Errorf("analytics report %s offset %d: %w", date, offset, err)
		}
		for _, r := range resp.Rows {
			if row, ok := c.classify(date, r); ok {
				rows = append(rows, row)
			}
		}
		if len(resp.Rows) < c.rowLimit || offset+len(resp.Rows) >= resp.RowCount {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	metrics.AnalyticsRowsFetched.Add(float64(len(rows)))
	logging.Debug().Str("type", "analytics").Str("date", date).Int("rows", len(rows)).Msg("Fetched analytics report")
	return rows, nil
}

func (c *Client) runReport(ctx context.Context, token, date string, offset int) (*reportResponse, error) {
	call := func() (*reportResponse, error) {
		body, err := json.Marshal(reportRequest{
			DateRanges: []dateRange{{StartDate: date, EndDate: date}},
			Dimensions: []dimension{{"date"}, {"hostName"}, {"pagePath"}, {"hour"}},
			Metrics:    []dimension{{"screenPageViews"}, {"activeUsers"}},
			Limit:      c.rowLimit,
			Offset:     offset,
		})
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("%s/v1beta/properties/%s:runReport", c.endpoint, c.propertyID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("report API returned status %d: %s", resp.StatusCode, truncate(data, 512))
		}
		var out reportResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decoding report: %w", err)
		}
		return &out, nil
	}

	if c.breaker == nil {
		return call()
	}
	result, err := c.breaker.Do(func() (any, error) { return call() })
	if err != nil {
		return nil, err
	}
	return result.(*reportResponse), nil
}

// classify turns a raw report row into an AnalyticsRow. Rows with neither
// host nor path carry nothing and are dropped.
func (c *Client) classify(date string, r reportRow) (models.AnalyticsRow, bool) {
	host := dimValue(r.DimensionValues, 1)
	path := dimValue(r.DimensionValues, 2)
	if host == "" && path == "" {
		return models.AnalyticsRow{}, false
	}
	id := c.resolver.ResolveHost(host)
	return models.AnalyticsRow{
		Date:         date,
		Host:         host,
		Path:         path,
		Hour:         dimValue(r.DimensionValues, 3),
		Views:        metricValue(r.MetricValues, 0),
		ActiveUsers:  metricValue(r.MetricValues, 1),
		FIKey:        id.FIKey,
		Instance:     id.Instance,
		IsVendorHost: c.resolver.IsVendorHost(host),
		IsFunnelPage: models.FunnelStage(path) != "",
	}, true
}

func dimValue(values []value, i int) string {
	if i >= len(values) {
		return ""
	}
	return strings.TrimSpace(values[i].Value)
}

func metricValue(values []value, i int) int64 {
	if i >= len(values) {
		return 0
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(values[i].Value), 64)
	if err != nil {
		return 0
	}
	return int64(n)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// bearerToken returns the configured token, reading the credentials file
// on first use.
func (c *Client) bearerToken() (string, error) {
	c.tokenOnce.Do(func() {
		if c.accessToken != "" {
			c.token = c.accessToken
			return
		}
		if c.credentialsFile == "" {
			c.tokenErr = ErrNoCredentials
			return
		}
		c.token, c.tokenErr = readCredentials(c.credentialsFile)
	})
	return c.token, c.tokenErr
}

func readCredentials(path string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("reading analytics credentials: %w", err)
	}
	var creds struct {
		AccessToken string `json:"access_token"`
		Token       string `json:"token"`
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parsing analytics credentials %s: %w", path, err)
	}
	if creds.AccessToken != "" {
		return creds.AccessToken, nil
	}
	if creds.Token != "" {
		return creds.Token, nil
	}
	return "", fmt.Errorf("%w: %s has no access_token", ErrNoCredentials, path)
}
