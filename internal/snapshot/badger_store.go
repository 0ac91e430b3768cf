// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
)

const snapshotKeyPrefix = "snapshot:"

// BadgerStore keeps snapshots in an embedded BadgerDB with zstd-compressed
// values. Each write is a single transaction, which gives the same
// old-or-new visibility as the file store's rename.
type BadgerStore struct {
	db      *badger.DB
	ownsDB  bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenBadgerStore opens (or creates) a BadgerDB at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	s, err := NewBadgerStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewBadgerStore wraps an already open database. The caller keeps ownership.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &BadgerStore{db: db, encoder: enc, decoder: dec}, nil
}

// DB returns the underlying database so other components can share it.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func snapshotKey(t Type, date string) []byte {
	return []byte(snapshotKeyPrefix + string(t) + ":" + date)
}

// Exists reports whether a readable snapshot is stored.
func (s *BadgerStore) Exists(ctx context.Context, t Type, date string) (bool, error) {
	snap, err := s.Read(ctx, t, date)
	if err != nil {
		return false, err
	}
	return snap != nil, nil
}

// Read returns the snapshot, or nil when absent or undecodable.
func (s *BadgerStore) Read(_ context.Context, t Type, date string) (*Snapshot, error) {
	if _, err := ParseType(string(t)); err != nil {
		return nil, err
	}
	var compressed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(t, date))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.RecordSnapshotOp(string(t), "miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	data, err := s.decoder.DecodeAll(compressed, nil)
	if err == nil {
		var snap *Snapshot
		if snap, err = decodeStored(data); err == nil {
			metrics.RecordSnapshotOp(string(t), "read")
			return snap, nil
		}
	}
	metrics.RecordSnapshotOp(string(t), "malformed")
	logging.Warn().Err(err).Str("type", string(t)).Str("date", date).Msg("Malformed snapshot; treating as absent")
	return nil, nil
}

// Write stores s in one transaction.
func (s *BadgerStore) Write(_ context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	compressed := s.encoder.EncodeAll(data, nil)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.Type, snap.Date), compressed)
	}); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	metrics.RecordSnapshotOp(string(snap.Type), "write")
	return nil
}

// Dates lists the stored dates of a type in ascending order.
func (s *BadgerStore) Dates(_ context.Context, t Type) ([]string, error) {
	if _, err := ParseType(string(t)); err != nil {
		return nil, err
	}
	prefix := []byte(snapshotKeyPrefix + string(t) + ":")
	var dates []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			d := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			if models.ValidDate(d) {
				dates = append(dates, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return dates, nil
}

// Close releases the codec and, when opened by OpenBadgerStore, the database.
func (s *BadgerStore) Close() error {
	s.decoder.Close()
	if err := s.encoder.Close(); err != nil {
		return err
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
