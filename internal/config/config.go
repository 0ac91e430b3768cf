// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package config loads Cardpulse configuration from defaults, an optional
// YAML file and environment variables (in that order of precedence, lowest
// first) using koanf.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Config holds all application configuration.
type Config struct {
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	Storage   StorageConfig   `koanf:"storage"`
	Registry  RegistryConfig  `koanf:"registry"`
	Refresh   RefreshConfig   `koanf:"refresh"`
	Server    ServerConfig    `koanf:"server"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// InstanceConfig describes one upstream tenant instance.
type InstanceConfig struct {
	Name     string `koanf:"name" json:"name"`
	BaseURL  string `koanf:"base_url" json:"base_url"`
	AppName  string `koanf:"app_name" json:"app_name"`
	AppKey   string `koanf:"app_key" json:"app_key"`
	Username string `koanf:"username" json:"username"`
	Password string `koanf:"password" json:"password"`
}

// UpstreamConfig configures the paginated session/placement API.
type UpstreamConfig struct {
	Instances []InstanceConfig `koanf:"instances"`

	// InstancesFile is an optional JSON array of instances. Entries are
	// appended to Instances; both the snake_case keys above and the legacy
	// upper-case keys (CARDSAVR_INSTANCE, API_KEY, ...) are accepted.
	InstancesFile string `koanf:"instances_file"`

	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	MaxPages          int           `koanf:"max_pages"`
	MaxConcurrency    int           `koanf:"max_concurrency"`
	CircuitBreaker    bool          `koanf:"circuit_breaker"`

	// RetryOnRateLimit retries HTTP 429 responses, honouring Retry-After,
	// up to MaxRetries times. Off by default.
	RetryOnRateLimit bool `koanf:"retry_on_rate_limit"`
	MaxRetries       int  `koanf:"max_retries"`
}

// AnalyticsConfig configures the web-analytics report API.
type AnalyticsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Endpoint   string `koanf:"endpoint"`
	PropertyID string `koanf:"property_id"`

	// AccessToken is a pre-issued bearer token. When empty the token is
	// read from CredentialsFile (a JSON object with an "access_token" key).
	AccessToken     string        `koanf:"access_token"`
	CredentialsFile string        `koanf:"credentials_file"`
	HostSuffix      string        `koanf:"host_suffix"`
	Timeout         time.Duration `koanf:"timeout"`
	RowLimit        int           `koanf:"row_limit"`
}

// StorageConfig locates every persisted artifact.
type StorageConfig struct {
	DataDir         string        `koanf:"data_dir"`
	RawDir          string        `koanf:"raw_dir"`
	DailyDir        string        `koanf:"daily_dir"`
	RegistryFile    string        `koanf:"registry_file"`
	AggregateFile   string        `koanf:"aggregate_file"`
	SnapshotBackend string        `koanf:"snapshot_backend"` // file or badger
	BadgerPath      string        `koanf:"badger_path"`
	CacheSize       int           `koanf:"cache_size"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
}

// RegistryConfig holds the curated identity sets used to classify integration type.
type RegistryConfig struct {
	SSOLookupKeys         []string `koanf:"sso_lookup_keys"`
	SSOLookupFile         string   `koanf:"sso_lookup_file"`
	SSOInstances          []string `koanf:"sso_instances"`
	AlwaysSSOInstances    []string `koanf:"always_sso_instances"`
	CardsavrInstances     []string `koanf:"cardsavr_instances"`
	DefaultLabelInstances []string `koanf:"default_label_instances"`
}

// RefreshConfig configures the refresh orchestrator.
type RefreshConfig struct {
	WindowDays       int           `koanf:"window_days"`
	Policy           string        `koanf:"policy"` // presence or recent
	RecentDays       int           `koanf:"recent_days"`
	Interval         time.Duration `koanf:"interval"`
	SubscriberBuffer int           `koanf:"subscriber_buffer"`
	StatePath        string        `koanf:"state_path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// SecurityConfig holds CORS, rate limiting and refresh-trigger auth settings.
type SecurityConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`

	// RefreshTokenSecret enables HMAC bearer-token auth on the refresh
	// trigger. Empty disables the check.
	RefreshTokenSecret string `koanf:"refresh_token_secret"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// legacyInstance mirrors the upper-case keys of older instances.json files.
type legacyInstance struct {
	Name             string `json:"name"`
	BaseURL          string `json:"base_url"`
	CardsavrInstance string `json:"CARDSAVR_INSTANCE"`
	AppName          string `json:"app_name"`
	LegacyAppName    string `json:"APP_NAME"`
	AppKey           string `json:"app_key"`
	APIKey           string `json:"API_KEY"`
	Username         string `json:"username"`
	LegacyUsername   string `json:"USERNAME"`
	Password         string `json:"password"`
	LegacyPassword   string `json:"PASSWORD"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// loadInstancesFile reads a JSON instance list.
func loadInstancesFile(path string) ([]InstanceConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read instances file: %w", err)
	}
	var raw []legacyInstance
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse instances file %s: %w", path, err)
	}

	out := make([]InstanceConfig, 0, len(raw))
	for _, r := range raw {
		out = append(out, InstanceConfig{
			Name:     r.Name,
			BaseURL:  normalizeBaseURL(firstNonEmpty(r.BaseURL, r.CardsavrInstance)),
			AppName:  firstNonEmpty(r.AppName, r.LegacyAppName),
			AppKey:   firstNonEmpty(r.AppKey, r.APIKey),
			Username: firstNonEmpty(r.Username, r.LegacyUsername),
			Password: firstNonEmpty(r.Password, r.LegacyPassword),
		})
	}
	return out, nil
}

// normalizeBaseURL accepts a bare host (as older instance files store it)
// and turns it into an https base URL.
func normalizeBaseURL(v string) string {
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return strings.TrimRight(v, "/")
	}
	return "https://" + v
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
