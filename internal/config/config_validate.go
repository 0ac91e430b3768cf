// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package config

import (
	"fmt"
	"strings"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateUpstream(); err != nil {
		return err
	}
	if err := c.validateAnalytics(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRefresh(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateLogging()
}

// validateUpstream allows an empty instance list (read-only deployments that
// only serve rollups) but every configured instance must be complete.
func (c *Config) validateUpstream() error {
	seen := make(map[string]bool, len(c.Upstream.Instances))
	for i, inst := range c.Upstream.Instances {
		if inst.Name == "" {
			return fmt.Errorf("upstream.instances[%d]: name is required", i)
		}
		key := strings.ToLower(inst.Name)
		if seen[key] {
			return fmt.Errorf("upstream.instances[%d]: duplicate instance name %q", i, inst.Name)
		}
		seen[key] = true

		if err := validateHTTPURL(inst.BaseURL, "upstream.instances["+inst.Name+"].base_url"); err != nil {
			return err
		}
		if inst.Username == "" || inst.Password == "" {
			return fmt.Errorf("upstream.instances[%s]: username and password are required", inst.Name)
		}
	}

	if c.Upstream.MaxPages < 1 {
		return fmt.Errorf("upstream.max_pages must be at least 1, got %d", c.Upstream.MaxPages)
	}
	if c.Upstream.MaxConcurrency < 1 {
		return fmt.Errorf("upstream.max_concurrency must be at least 1, got %d", c.Upstream.MaxConcurrency)
	}
	if c.Upstream.RequestsPerSecond < 0 {
		return fmt.Errorf("upstream.requests_per_second must not be negative")
	}
	return nil
}

func (c *Config) validateAnalytics() error {
	if !c.Analytics.Enabled {
		return nil
	}
	if c.Analytics.PropertyID == "" {
		return fmt.Errorf("analytics.property_id is required when analytics is enabled")
	}
	if c.Analytics.AccessToken == "" && c.Analytics.CredentialsFile == "" {
		return fmt.Errorf("analytics.access_token or analytics.credentials_file is required when analytics is enabled")
	}
	return validateHTTPURL(c.Analytics.Endpoint, "analytics.endpoint")
}

func (c *Config) validateStorage() error {
	switch c.Storage.SnapshotBackend {
	case "file", "badger":
	default:
		return fmt.Errorf("storage.snapshot_backend must be file or badger, got %q", c.Storage.SnapshotBackend)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	return nil
}

func (c *Config) validateRefresh() error {
	if c.Refresh.WindowDays < 1 || c.Refresh.WindowDays > 366 {
		return fmt.Errorf("refresh.window_days must be between 1 and 366, got %d", c.Refresh.WindowDays)
	}
	switch c.Refresh.Policy {
	case "presence", "recent":
	default:
		return fmt.Errorf("refresh.policy must be presence or recent, got %q", c.Refresh.Policy)
	}
	if c.Refresh.RecentDays < 0 {
		return fmt.Errorf("refresh.recent_days must not be negative")
	}
	if c.Refresh.Interval < 0 {
		return fmt.Errorf("refresh.interval must not be negative")
	}
	if c.Refresh.SubscriberBuffer < 1 {
		return fmt.Errorf("refresh.subscriber_buffer must be at least 1")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if !c.Security.RateLimitDisabled && c.Security.RateLimitReqs < 1 {
		return fmt.Errorf("security.rate_limit_reqs must be at least 1 when rate limiting is enabled")
	}
	if s := c.Security.RefreshTokenSecret; s != "" && len(s) < 32 {
		return fmt.Errorf("security.refresh_token_secret must be at least 32 characters")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognized", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
