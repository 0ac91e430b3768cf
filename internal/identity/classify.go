// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package identity

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/config"
)

// Integration types.
const (
	IntegrationSSO      = "sso"
	IntegrationNonSSO   = "non-sso"
	IntegrationCardsavr = "cardsavr"
	IntegrationUnknown  = "unknown"
)

// ValidIntegration reports whether v is one of the integration types.
func ValidIntegration(v string) bool {
	switch v {
	case IntegrationSSO, IntegrationNonSSO, IntegrationCardsavr, IntegrationUnknown:
		return true
	}
	return false
}

// Rules holds the curated sets that drive integration classification.
// Rules are immutable once built and safe for concurrent use.
type Rules struct {
	ssoLookupKeys map[string]bool
	ssoInstances  map[string]bool
	alwaysSSO     map[string]bool
	cardsavr      map[string]bool
}

// NewRules builds classification rules from explicit sets.
func NewRules(ssoLookupKeys, ssoInstances, alwaysSSO, cardsavr []string) *Rules {
	return &Rules{
		ssoLookupKeys: toSet(ssoLookupKeys),
		ssoInstances:  toSet(ssoInstances),
		alwaysSSO:     toSet(alwaysSSO),
		cardsavr:      toSet(cardsavr),
	}
}

// RulesFromConfig builds rules from the registry configuration, merging the
// optional SSO lookup file into the inline lookup keys.
func RulesFromConfig(cfg *config.RegistryConfig) (*Rules, error) {
	keys := append([]string(nil), cfg.SSOLookupKeys...)
	if cfg.SSOLookupFile != "" {
		extra, err := LoadLookupKeys(cfg.SSOLookupFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, extra...)
	}
	return NewRules(keys, cfg.SSOInstances, cfg.AlwaysSSOInstances, cfg.CardsavrInstances), nil
}

// LoadLookupKeys reads SSO lookup keys from a file holding either a JSON
// array of strings or one key per line ('#' starts a comment).
func LoadLookupKeys(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sso lookup file: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var keys []string
		if err := json.Unmarshal([]byte(trimmed), &keys); err != nil {
			return nil, fmt.Errorf("parsing sso lookup file %s: %w", path, err)
		}
		return keys, nil
	}
	var keys []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}

// IsSSOLookupKey reports whether a lookup key is on the curated SSO set.
func (r *Rules) IsSSOLookupKey(lookupKey string) bool {
	return r.ssoLookupKeys[strings.ToLower(strings.TrimSpace(lookupKey))]
}

// IsCardsavrInstance reports whether instance is a cardsavr deployment.
func (r *Rules) IsCardsavrInstance(instance string) bool {
	return r.cardsavr[strings.ToLower(strings.TrimSpace(instance))]
}

// Classify derives the integration type of an (instance, lookup key) pair.
//
// Precedence, first match wins:
//  1. instance in the cardsavr set
//  2. instance in the SSO instance set or the always-SSO set
//  3. lookup key in the SSO lookup set, or itself an always-SSO name
//  4. no instance at all: unknown
//  5. non-sso
//
// Instance rules beat lookup-key rules when they disagree.
func (r *Rules) Classify(instance, lookupKey string) string {
	inst := strings.ToLower(strings.TrimSpace(instance))
	key := strings.ToLower(strings.TrimSpace(lookupKey))

	switch {
	case r.cardsavr[inst]:
		return IntegrationCardsavr
	case r.ssoInstances[inst] || r.alwaysSSO[inst]:
		return IntegrationSSO
	case key != "" && (r.ssoLookupKeys[key] || r.alwaysSSO[key]):
		return IntegrationSSO
	case inst == "" || inst == "unknown":
		return IntegrationUnknown
	default:
		return IntegrationNonSSO
	}
}
