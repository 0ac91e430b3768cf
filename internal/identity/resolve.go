// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

/*
Package identity resolves tenant identities and maintains the FI registry.

An identity is the pair (fi_key, instance). Both halves are lower-cased and
never empty: inputs that cannot be resolved collapse to the UNKNOWN_FI /
unknown sentinel so that counts bucketed by identity are never lost.

Identities come from two places:
  - analytics hostnames of the form <fi>.<instance>.<vendor-suffix>
  - upstream session and placement records, through their lookup-key fields

The Registry records one Entry per identity ever observed. It is owned by a
single writer (the running pipeline) and persisted by FileStore.
*/
package identity

import (
	"net/url"
	"strings"

	"github.com/tomtom215/cardpulse/internal/models"
)

// DefaultHostSuffix is the vendor domain that hosts FI landing pages.
const DefaultHostSuffix = ".cardupdatr.app"

// Identity is the canonical tenant identity.
type Identity struct {
	FIKey    string `json:"fi_key"`
	Instance string `json:"instance"`
}

// Unknown is the sentinel identity.
var Unknown = Identity{FIKey: models.UnknownFI, Instance: models.UnknownInstance}

// Key returns the registry key "<fi_key>__<instance>".
func (i Identity) Key() string {
	return Key(i.FIKey, i.Instance)
}

// IsUnknown reports whether the FI half is the sentinel.
func (i Identity) IsUnknown() bool {
	return i.FIKey == models.UnknownFI
}

// Key builds a registry key from its parts, applying the same normalization
// as the resolver.
func Key(fiKey, instance string) string {
	return normalizeFI(fiKey) + "__" + normalizeInstance(instance)
}

// SplitKey reverses Key. Keys without the separator are treated as an FI with
// an unknown instance.
func SplitKey(key string) Identity {
	fi, inst, ok := strings.Cut(key, "__")
	if !ok {
		return Identity{FIKey: normalizeFI(key), Instance: models.UnknownInstance}
	}
	return Identity{FIKey: normalizeFI(fi), Instance: normalizeInstance(inst)}
}

func normalizeFI(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" || v == strings.ToLower(models.UnknownFI) {
		return models.UnknownFI
	}
	return v
}

func normalizeInstance(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return models.UnknownInstance
	}
	return v
}

// Resolver maps analytics hostnames to identities.
type Resolver struct {
	suffix       string
	defaultLabel map[string]bool
}

// NewResolver creates a resolver for hosts under suffix. Hosts of the form
// default.<instance>.<suffix> for an instance in defaultLabelInstances resolve
// to the instance itself as the FI.
func NewResolver(suffix string, defaultLabelInstances []string) *Resolver {
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	if suffix == "" {
		suffix = DefaultHostSuffix
	}
	if !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return &Resolver{suffix: suffix, defaultLabel: toSet(defaultLabelInstances)}
}

// IsVendorHost reports whether host sits under the vendor suffix.
func (r *Resolver) IsVendorHost(host string) bool {
	h := cleanHost(host)
	return h != "" && (strings.HasSuffix(h, r.suffix) || h == strings.TrimPrefix(r.suffix, "."))
}

// ResolveHost returns the identity encoded in an analytics hostname.
func (r *Resolver) ResolveHost(host string) Identity {
	h := cleanHost(host)
	if h == "" {
		return Unknown
	}

	if strings.HasSuffix(h, r.suffix) {
		prefix := strings.TrimSuffix(h, r.suffix)
		if prefix == "" {
			return Identity{FIKey: h, Instance: models.UnknownInstance}
		}
		labels := nonEmpty(strings.Split(prefix, "."))
		switch len(labels) {
		case 0:
			return Identity{FIKey: h, Instance: models.UnknownInstance}
		case 1:
			return Identity{FIKey: labels[0], Instance: labels[0]}
		default:
			if labels[0] == "default" && r.defaultLabel[labels[1]] {
				return Identity{FIKey: labels[1], Instance: labels[1]}
			}
			return Identity{FIKey: labels[0], Instance: labels[1]}
		}
	}

	labels := nonEmpty(strings.Split(h, "."))
	switch len(labels) {
	case 0:
		return Unknown
	case 1:
		return Identity{FIKey: labels[0], Instance: models.UnknownInstance}
	default:
		return Identity{FIKey: labels[0], Instance: strings.Join(labels[1:], ".")}
	}
}

// cleanHost lower-cases a host and strips any scheme, port, path or trailing dot.
func cleanHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" || h == "(not set)" {
		return ""
	}
	if strings.Contains(h, "://") {
		if u, err := url.Parse(h); err == nil {
			h = u.Host
		}
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return strings.Trim(h, ".")
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = true
		}
	}
	return set
}
