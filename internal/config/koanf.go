// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, first match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cardpulse/config.yaml",
	"/etc/cardpulse/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Timeout:           60 * time.Second,
			RequestsPerSecond: 5,
			MaxPages:          10000,
			MaxConcurrency:    4,
			CircuitBreaker:    true,
			MaxRetries:        5,
		},
		Analytics: AnalyticsConfig{
			Enabled:    false,
			Endpoint:   "https://analyticsdata.googleapis.com",
			HostSuffix: ".cardupdatr.app",
			Timeout:    60 * time.Second,
			RowLimit:   100000,
		},
		Storage: StorageConfig{
			DataDir:         "data",
			SnapshotBackend: "file",
			CacheSize:       400,
			CacheTTL:        10 * time.Minute,
		},
		Registry: RegistryConfig{
			SSOInstances:          []string{"pscu"},
			AlwaysSSOInstances:    []string{"advancial-prod"},
			CardsavrInstances:     []string{"ondot"},
			DefaultLabelInstances: []string{"advancial-prod"},
		},
		Refresh: RefreshConfig{
			WindowDays:       30,
			Policy:           "presence",
			RecentDays:       7,
			Interval:         0,
			SubscriberBuffer: 64,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8787,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadWithKoanf loads configuration in three layers:
//  1. built-in defaults
//  2. an optional YAML file (CONFIG_PATH or DefaultConfigPaths)
//  3. environment variables
//
// Derived storage paths are filled in from storage.data_dir and the instance
// file (if any) is merged before validation.
func LoadWithKoanf() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile loads configuration using an explicit YAML path (the CLI --config flag).
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return LoadWithKoanf()
	}
	return loadFrom(path)
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// finalize derives storage paths and merges the instances file.
func (c *Config) finalize() error {
	s := &c.Storage
	if s.RawDir == "" {
		s.RawDir = filepath.Join(s.DataDir, "raw")
	}
	if s.DailyDir == "" {
		s.DailyDir = filepath.Join(s.DataDir, "daily")
	}
	if s.RegistryFile == "" {
		s.RegistryFile = filepath.Join(s.DataDir, "fi_registry.json")
	}
	if s.AggregateFile == "" {
		s.AggregateFile = filepath.Join(s.DataDir, "output", "placements-by-fi.json")
	}
	if s.BadgerPath == "" {
		s.BadgerPath = filepath.Join(s.DataDir, "badger")
	}
	if c.Refresh.StatePath == "" {
		c.Refresh.StatePath = filepath.Join(s.DataDir, "refresh-state.json")
	}

	if c.Upstream.InstancesFile != "" {
		extra, err := loadInstancesFile(c.Upstream.InstancesFile)
		if err != nil {
			return err
		}
		c.Upstream.Instances = append(c.Upstream.Instances, extra...)
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env values.
var sliceConfigPaths = []string{
	"security.cors_origins",
	"registry.sso_lookup_keys",
	"registry.sso_instances",
	"registry.always_sso_instances",
	"registry.cardsavr_instances",
	"registry.default_label_instances",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf paths.
// Unmapped variables are skipped so the process environment cannot leak
// into the configuration.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"upstream_instances_file":      "upstream.instances_file",
		"upstream_timeout":             "upstream.timeout",
		"upstream_requests_per_second": "upstream.requests_per_second",
		"upstream_max_pages":           "upstream.max_pages",
		"upstream_max_concurrency":     "upstream.max_concurrency",
		"upstream_circuit_breaker":     "upstream.circuit_breaker",
		"upstream_retry_on_rate_limit": "upstream.retry_on_rate_limit",
		"upstream_max_retries":         "upstream.max_retries",

		"analytics_enabled":          "analytics.enabled",
		"analytics_endpoint":         "analytics.endpoint",
		"ga4_property_id":            "analytics.property_id",
		"analytics_property_id":      "analytics.property_id",
		"analytics_access_token":     "analytics.access_token",
		"analytics_credentials_file": "analytics.credentials_file",
		"analytics_host_suffix":      "analytics.host_suffix",
		"analytics_timeout":          "analytics.timeout",

		"data_dir":         "storage.data_dir",
		"raw_dir":          "storage.raw_dir",
		"daily_dir":        "storage.daily_dir",
		"registry_file":    "storage.registry_file",
		"aggregate_file":   "storage.aggregate_file",
		"snapshot_backend": "storage.snapshot_backend",
		"badger_path":      "storage.badger_path",

		"sso_lookup_keys":    "registry.sso_lookup_keys",
		"sso_lookup_file":    "registry.sso_lookup_file",
		"sso_instances":      "registry.sso_instances",
		"cardsavr_instances": "registry.cardsavr_instances",

		"refresh_window_days": "refresh.window_days",
		"refresh_policy":      "refresh.policy",
		"refresh_recent_days": "refresh.recent_days",
		"refresh_interval":    "refresh.interval",

		"http_host":        "server.host",
		"http_port":        "server.port",
		"port":             "server.port",
		"http_timeout":     "server.timeout",
		"shutdown_timeout": "server.shutdown_timeout",

		"cors_origins":         "security.cors_origins",
		"rate_limit_requests":  "security.rate_limit_reqs",
		"rate_limit_window":    "security.rate_limit_window",
		"disable_rate_limit":   "security.rate_limit_disabled",
		"refresh_token_secret": "security.refresh_token_secret",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// WatchConfigFile calls callback whenever the file at path changes.
// The caller owns synchronization of any reloaded configuration.
func WatchConfigFile(path string, callback func()) error {
	return file.Provider(path).Watch(func(_ interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
