// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package identity

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tomtom215/cardpulse/internal/atomicfile"
	"github.com/tomtom215/cardpulse/internal/logging"
)

const schemaURL = "https://cardpulse.local/schema/fi-registry.json"

// registrySchema accepts both the current and the legacy layout; it rejects
// files whose top level or entries are not objects, or whose well-known
// fields carry the wrong JSON type.
const registrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "fi_name":                {"type": ["string", "null"]},
      "fi_lookup_key":          {"type": ["string", "null"]},
      "instance":               {"type": ["string", "null"]},
      "instances":              {"type": "array", "items": {"type": ["string", "null"]}},
      "sources":                {"type": "array", "items": {"type": "string"}},
      "integration_type":       {"type": ["string", "null"]},
      "first_seen":             {"type": ["string", "null"]},
      "last_seen":              {"type": ["string", "null"]},
      "traffic_first_seen":     {"type": ["string", "null"]},
      "traffic_last_seen":      {"type": ["string", "null"]},
      "traffic_first_seen_sso": {"type": ["string", "null"]}
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(registrySchema))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = c.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

// ValidateDocument checks raw registry JSON against the registry schema.
func ValidateDocument(data []byte) error {
	sch, err := schema()
	if err != nil {
		return fmt.Errorf("compiling registry schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parsing registry: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("registry schema: %w", err)
	}
	return nil
}

// FileStore persists the registry as one JSON object keyed "<fi_key>__<instance>".
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the registry file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the registry. A missing file yields an empty registry. A file
// that does not parse or fails validation is moved aside to
// "<path>.corrupt-<timestamp>" and an empty registry is returned, so the next
// pass rebuilds it. A legacy-layout file is migrated in memory.
func (s *FileStore) Load(rules *Rules) (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewRegistry(rules), nil
		}
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewRegistry(rules), nil
	}

	reg, err := decode(data, rules)
	if err != nil {
		s.quarantine(err)
		return NewRegistry(rules), nil
	}
	return reg, nil
}

func decode(data []byte, rules *Rules) (*Registry, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding registry: %w", err)
	}
	if IsLegacy(raw) {
		logging.Info().Int("entries", len(raw)).Msg("Migrating legacy FI registry layout")
	}
	return Migrate(raw, rules)
}

func (s *FileStore) quarantine(cause error) {
	dest := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, dest); err != nil {
		logging.Warn().Err(cause).Str("path", s.path).
			AnErr("rename_error", err).
			Msg("FI registry is malformed and could not be moved aside; starting empty")
		return
	}
	logging.Warn().Err(cause).Str("path", s.path).Str("moved_to", dest).
		Msg("FI registry is malformed; moved aside and starting empty")
}

// Save rewrites the registry file atomically, entries sorted by instance
// then FI name.
func (s *FileStore) Save(reg *Registry) error {
	data, err := Encode(reg)
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("saving registry: %w", err)
	}
	return nil
}

// Encode renders the registry in its persisted, stable form.
func Encode(reg *Registry) ([]byte, error) {
	var buf bytes.Buffer
	keys := reg.Keys()
	if len(keys) == 0 {
		return []byte("{}\n"), nil
	}
	buf.WriteString("{\n")
	for i, k := range keys {
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		entryJSON, err := json.Marshal(reg.entries[k])
		if err != nil {
			return nil, fmt.Errorf("encoding entry %s: %w", k, err)
		}
		buf.WriteString("  ")
		buf.Write(keyJSON)
		buf.WriteString(": ")
		if err := json.Indent(&buf, entryJSON, "  ", "  "); err != nil {
			return nil, err
		}
		if i < len(keys)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}
