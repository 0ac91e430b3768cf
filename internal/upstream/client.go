// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/cardpulse/internal/config"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
)

// Upstream resources.
const (
	ResourceSessions   = "cardholder_sessions"
	ResourcePlacements = "card_placement_results"
)

// Wire headers.
const (
	PagingHeader = "x-cardsavr-paging"
	AppHeader    = "x-cardsavr-client-application"
	AppKeyHeader = "x-cardsavr-app-key"
)

var (
	// ErrAuthFailed is returned when an instance rejects the login.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrPaging is returned when a paging header cannot be decoded.
	ErrPaging = errors.New("malformed paging header")
)

// maxErrorBodySize limits how much of an error response is read for diagnostics.
const maxErrorBodySize = 64 * 1024

func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}

// Paging is the cursor descriptor carried in the x-cardsavr-paging header.
type Paging struct {
	Page         int    `json:"page"`
	PageLength   int    `json:"page_length"`
	TotalResults int    `json:"total_results"`
	Sort         string `json:"sort,omitempty"`
	IsDescending *bool  `json:"is_descending,omitempty"`
}

// Done reports whether the cursor is exhausted. A non-positive page length
// also ends paging so that a bad descriptor cannot loop forever.
func (p *Paging) Done() bool {
	return p.PageLength <= 0 || p.Page*p.PageLength >= p.TotalResults
}

// Next returns the descriptor for the following page.
func (p *Paging) Next() *Paging {
	n := *p
	n.Page = p.Page + 1
	return &n
}

// ParsePaging decodes a paging header. An empty header yields nil, nil.
func ParsePaging(header string) (*Paging, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	var p Paging
	if err := json.Unmarshal([]byte(header), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaging, err)
	}
	return &p, nil
}

// Handle is an authenticated session on one instance.
type Handle struct {
	Instance string
	Token    string
	IssuedAt time.Time
}

// Page is one fetched page.
type Page struct {
	Result Result
	Paging *Paging
}

// API is what the session manager and fetcher need from an instance client.
type API interface {
	Name() string
	Login(ctx context.Context) (*Handle, error)
	GetPage(ctx context.Context, h *Handle, resource string, r models.DateRange, paging *Paging) (*Page, error)
}

// ClientOptions tune a Client.
type ClientOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	CircuitBreaker    bool
	HTTPClient        *http.Client

	// RetryOnRateLimit retries HTTP 429 responses up to MaxRetries times,
	// waiting for Retry-After or an exponential backoff. When false a 429
	// fails the request like any other unexpected status.
	RetryOnRateLimit bool
	MaxRetries       int
	RetryBaseDelay   time.Duration
}

// OptionsFromConfig builds client options from the upstream configuration.
func OptionsFromConfig(cfg *config.UpstreamConfig) ClientOptions {
	return ClientOptions{
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		CircuitBreaker:    cfg.CircuitBreaker,
		RetryOnRateLimit:  cfg.RetryOnRateLimit,
		MaxRetries:        cfg.MaxRetries,
	}
}

// Client talks to one instance.
type Client struct {
	inst           config.InstanceConfig
	httpClient     *http.Client
	limiter        *rate.Limiter
	breaker        *Breaker
	retry429       bool
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewClient creates a client for inst.
func NewClient(inst config.InstanceConfig, opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	c := &Client{
		inst:           inst,
		httpClient:     hc,
		limiter:        rate.NewLimiter(limit, 1),
		retry429:       opts.RetryOnRateLimit,
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: opts.RetryBaseDelay,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 5
	}
	if c.retryBaseDelay <= 0 {
		c.retryBaseDelay = time.Second
	}
	if opts.CircuitBreaker {
		c.breaker = NewBreaker("upstream-" + inst.Name)
	}
	return c
}

// Name returns the instance name.
func (c *Client) Name() string {
	return c.inst.Name
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionToken string `json:"session_token"`
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
}

// Login authenticates against the instance.
func (c *Client) Login(ctx context.Context) (*Handle, error) {
	h, err := run(c.breaker, func() (*Handle, error) { return c.login(ctx) })
	metrics.RecordLogin(c.inst.Name, err)
	return h, err
}

func (c *Client) login(ctx context.Context) (*Handle, error) {
	if c.inst.BaseURL == "" || c.inst.Username == "" || c.inst.Password == "" {
		return nil, fmt.Errorf("%w: instance %s is missing base_url or credentials", ErrAuthFailed, c.inst.Name)
	}
	payload, err := json.Marshal(loginRequest{Username: c.inst.Username, Password: c.inst.Password})
	if err != nil {
		return nil, err
	}

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inst.BaseURL+"/session/login", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAppHeaders(req)
		return req, nil
	}

	resp, err := c.do(ctx, build)
	if err != nil {
		return nil, fmt.Errorf("login to %s: %w", c.inst.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: instance %s returned %d", ErrAuthFailed, c.inst.Name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: instance %s returned %d: %s", ErrAuthFailed, c.inst.Name, resp.StatusCode, readBodyForError(resp.Body))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("%w: decoding login response: %v", ErrAuthFailed, err)
	}
	token := lr.SessionToken
	if token == "" {
		token = lr.Token
	}
	if token == "" {
		token = lr.AccessToken
	}
	if token == "" {
		return nil, fmt.Errorf("%w: instance %s returned no session token", ErrAuthFailed, c.inst.Name)
	}
	return &Handle{Instance: c.inst.Name, Token: token, IssuedAt: time.Now()}, nil
}

// GetPage fetches one page of resource for the date range. A nil paging
// requests the first page.
func (c *Client) GetPage(ctx context.Context, h *Handle, resource string, r models.DateRange, paging *Paging) (*Page, error) {
	return run(c.breaker, func() (*Page, error) { return c.getPage(ctx, h, resource, r, paging) })
}

func (c *Client) getPage(ctx context.Context, h *Handle, resource string, r models.DateRange, paging *Paging) (*Page, error) {
	q := url.Values{}
	q.Set("created_on_min", r.Start+"T00:00:00Z")
	q.Set("created_on_max", r.End+"T23:59:59Z")
	endpoint := c.inst.BaseURL + "/" + resource + "?" + q.Encode()

	var pagingJSON []byte
	if paging != nil {
		var err error
		if pagingJSON, err = json.Marshal(paging); err != nil {
			return nil, err
		}
	}

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+h.Token)
		c.setAppHeaders(req)
		if pagingJSON != nil {
			req.Header.Set(PagingHeader, string(pagingJSON))
		}
		return req, nil
	}

	resp, err := c.do(ctx, build)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s session rejected", ErrAuthFailed, c.inst.Name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readBodyForError(resp.Body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	next, err := ParsePaging(resp.Header.Get(PagingHeader))
	if err != nil {
		return nil, err
	}
	return &Page{Result: Normalize(body), Paging: next}, nil
}

func (c *Client) setAppHeaders(req *http.Request) {
	if c.inst.AppName != "" {
		req.Header.Set(AppHeader, c.inst.AppName)
	}
	if c.inst.AppKey != "" {
		req.Header.Set(AppKeyHeader, c.inst.AppKey)
	}
}

// do waits for the rate limiter and executes the request. With retry429 set
// it retries HTTP 429 with exponential backoff or the server's Retry-After;
// otherwise the 429 response is returned to the caller.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("execute request: %w", err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || !c.retry429 {
			return resp, nil
		}
		resp.Body.Close()

		if attempt == c.maxRetries {
			break
		}
		retryDelay := c.retryBaseDelay * (1 << attempt)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && seconds >= 0 {
				retryDelay = time.Duration(seconds) * time.Second
			}
		}
		logging.Warn().Str("instance", c.inst.Name).Dur("retry_delay", retryDelay).
			Int("attempt", attempt+1).Int("max_retries", c.maxRetries).
			Msg("Upstream rate limited (HTTP 429), retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("rate limit exceeded after %d retries", c.maxRetries)
}
