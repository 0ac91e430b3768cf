// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package refresh

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/cardpulse/internal/atomicfile"
	"github.com/tomtom215/cardpulse/internal/logging"
)

// StateStore persists the status of the last job so it survives restarts.
type StateStore interface {
	Load() (*Status, error)
	Save(*Status) error
}

// FileState stores the status as a JSON file.
type FileState struct {
	path string
}

// NewFileState returns a state store at path.
func NewFileState(path string) *FileState {
	return &FileState{path: path}
}

// Load returns nil when nothing was saved. An unreadable file is logged and
// treated as absent.
func (f *FileState) Load() (*Status, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading refresh state: %w", err)
	}
	return decodeState(data, f.path), nil
}

// Save writes the status atomically.
func (f *FileState) Save(st *Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(f.path, data, 0o644)
}

var badgerStateKey = []byte("refresh:last_run")

// BadgerState stores the status under one key of a shared BadgerDB.
type BadgerState struct {
	db *badger.DB
}

// NewBadgerState returns a state store on db. The caller keeps ownership of db.
func NewBadgerState(db *badger.DB) *BadgerState {
	return &BadgerState{db: db}
}

// Load returns nil when nothing was saved.
func (b *BadgerState) Load() (*Status, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerStateKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading refresh state: %w", err)
	}
	return decodeState(data, string(badgerStateKey)), nil
}

// Save replaces the stored status.
func (b *BadgerState) Save(st *Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerStateKey, data)
	})
}

func decodeState(data []byte, where string) *Status {
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		logging.Warn().Err(err).Str("location", where).Msg("Malformed refresh state; ignoring")
		return nil
	}
	return &st
}
