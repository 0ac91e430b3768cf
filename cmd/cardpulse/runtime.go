// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package main

import (
	"errors"
	"fmt"

	"github.com/tomtom215/cardpulse/internal/analytics"
	"github.com/tomtom215/cardpulse/internal/config"
	"github.com/tomtom215/cardpulse/internal/identity"
	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/pipeline"
	"github.com/tomtom215/cardpulse/internal/refresh"
	"github.com/tomtom215/cardpulse/internal/rollup"
	"github.com/tomtom215/cardpulse/internal/snapshot"
	"github.com/tomtom215/cardpulse/internal/upstream"
)

// runtime holds the stores and the pipeline built from the configuration.
type runtime struct {
	cfg       *config.Config
	rules     *identity.Rules
	snapshots snapshot.Store
	daily     *rollup.DirStore
	registry  *identity.FileStore
	pipeline  *pipeline.Pipeline
}

func openRuntime(cfg *config.Config) (*runtime, error) {
	rules, err := identity.RulesFromConfig(&cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("loading SSO lookup keys: %w", err)
	}

	snapshots, err := snapshot.Open(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	daily, err := rollup.NewDirStore(cfg.Storage.DailyDir)
	if err != nil {
		_ = snapshots.Close()
		return nil, fmt.Errorf("opening daily store: %w", err)
	}

	rt := &runtime{
		cfg:       cfg,
		rules:     rules,
		snapshots: snapshots,
		daily:     daily,
		registry:  identity.NewFileStore(cfg.Storage.RegistryFile),
	}
	rt.pipeline = pipeline.New(pipeline.Options{
		Sessions:       upstreamSessions(&cfg.Upstream),
		Fetcher:        upstream.NewFetcher(cfg.Upstream.MaxPages),
		Analytics:      analyticsFetcher(cfg),
		Snapshots:      snapshots,
		Policy:         snapshot.PolicyFromConfig(&cfg.Refresh),
		Daily:          daily,
		Registry:       rt.registry,
		Rules:          rules,
		MaxConcurrency: cfg.Upstream.MaxConcurrency,
	})

	logging.Info().
		Int("instances", len(cfg.Upstream.Instances)).
		Bool("analytics", cfg.Analytics.Enabled).
		Str("snapshot_backend", cfg.Storage.SnapshotBackend).
		Str("data_dir", cfg.Storage.DataDir).
		Msg("Runtime opened")
	return rt, nil
}

func upstreamSessions(cfg *config.UpstreamConfig) *upstream.SessionManager {
	opts := upstream.OptionsFromConfig(cfg)
	clients := make([]upstream.API, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		clients = append(clients, upstream.NewClient(inst, opts))
	}
	return upstream.NewSessionManager(clients...)
}

// analyticsFetcher returns nil when analytics is disabled, which drops the
// analytics snapshot type from every run.
func analyticsFetcher(cfg *config.Config) analytics.Fetcher {
	if !cfg.Analytics.Enabled {
		return nil
	}
	resolver := identity.NewResolver(cfg.Analytics.HostSuffix, cfg.Registry.DefaultLabelInstances)
	return analytics.NewClient(&cfg.Analytics, resolver, analytics.Options{
		CircuitBreaker: cfg.Upstream.CircuitBreaker,
	})
}

// refreshState persists the orchestrator status next to the snapshots: in
// badger when that is the snapshot backend, otherwise in a JSON file.
func (rt *runtime) refreshState() refresh.StateStore {
	if bs, ok := rt.snapshots.(*snapshot.BadgerStore); ok {
		return refresh.NewBadgerState(bs.DB())
	}
	return refresh.NewFileState(rt.cfg.Refresh.StatePath)
}

func (rt *runtime) Close() error {
	var errs []error
	if err := rt.snapshots.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing snapshot store: %w", err))
	}
	return errors.Join(errs...)
}
