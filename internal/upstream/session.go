// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
)

// SessionManager hands out one authenticated handle per instance per run.
type SessionManager struct {
	clients map[string]API
	group   singleflight.Group

	mu       sync.Mutex
	handles  map[string]*Handle
	failures map[string]error
}

// NewSessionManager creates a manager over the given instance clients.
func NewSessionManager(clients ...API) *SessionManager {
	m := &SessionManager{
		clients:  make(map[string]API, len(clients)),
		handles:  make(map[string]*Handle),
		failures: make(map[string]error),
	}
	for _, c := range clients {
		m.clients[c.Name()] = c
	}
	return m
}

// Instances returns the configured instance names, sorted.
func (m *SessionManager) Instances() []string {
	names := make([]string, 0, len(m.clients))
	for n := range m.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Client returns the client for an instance.
func (m *SessionManager) Client(name string) (API, bool) {
	c, ok := m.clients[name]
	return c, ok
}

// Get returns the handle for instance, logging in on first use. A failed
// login is remembered and returned again without another attempt until Reset.
func (m *SessionManager) Get(ctx context.Context, instance string) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[instance]; ok {
		m.mu.Unlock()
		return h, nil
	}
	if err, ok := m.failures[instance]; ok {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	client, ok := m.clients[instance]
	if !ok {
		return nil, fmt.Errorf("%w: unknown instance %q", ErrAuthFailed, instance)
	}

	v, err, _ := m.group.Do(instance, func() (any, error) {
		// A caller may have finished the login between our check and Do.
		m.mu.Lock()
		if h, ok := m.handles[instance]; ok {
			m.mu.Unlock()
			return h, nil
		}
		if err, ok := m.failures[instance]; ok {
			m.mu.Unlock()
			return nil, err
		}
		m.mu.Unlock()

		h, err := client.Login(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.failures[instance] = err
			logging.Error().Err(err).Str("instance", instance).Msg("Instance login failed; skipping instance for this run")
			metrics.RecordUpstreamError(instance, err)
			return nil, err
		}
		m.handles[instance] = h
		logging.Info().Str("instance", instance).Msg("Instance login succeeded")
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Failures returns the instances whose login failed in this run.
func (m *SessionManager) Failures() map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]error, len(m.failures))
	for k, v := range m.failures {
		out[k] = v
	}
	return out
}

// Reset forgets every handle and failure, starting a new run.
func (m *SessionManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles = make(map[string]*Handle)
	m.failures = make(map[string]error)
}
