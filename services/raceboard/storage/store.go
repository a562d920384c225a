// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists race history, clusters, and per-source
// statistics in a single embedded BadgerDB, partitioned by key prefix:
//
//	races/{id}                  canonical race records (JSON)
//	races_by_time/{ts}{id}      time-ordered index for historic scans
//	clusters/{id}               cluster records from the last rebuild
//	source_stats/{source}       per-source duration statistics
//	meta/...                    schema version, idempotency tokens,
//	                            audit trail, snapshots, registry state
//
// Writes are asynchronous; a background flusher syncs the value log when
// enough writes accumulate or a short interval elapses, bounding data
// loss on crash to that interval. If another process holds the database
// lock, opening either aborts or degrades to read-only depending on
// policy.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
	badger "github.com/AleutianAI/raceboard/services/raceboard/storage/badger"
)

// storageSchemaVersion is written to meta/schema_version on first open.
// Opening a database with a different version fails rather than guessing
// at a migration.
const storageSchemaVersion = "2"

// idempotencyTTL is how long ingest idempotency tokens are remembered.
const idempotencyTTL = 24 * time.Hour

// Lock policies for Open when another process holds the database.
const (
	// OnLockAbort fails Open with ErrLocked.
	OnLockAbort = "abort"
	// OnLockReadOnly reopens the database read-only, falling back to an
	// empty in-memory store if even that fails.
	OnLockReadOnly = "read_only"
)

// ErrLocked indicates another process holds the database directory lock.
var ErrLocked = errors.New("storage locked by another process")

// ErrStop ends an iteration early without reporting an error.
var ErrStop = errors.New("stop iteration")

// Well-known meta names owned by other subsystems. They are relative to
// the meta/ partition, for use with SetMeta and friends.
const (
	MetaRollout        = "rollout"
	MetaLastEps        = "cluster/last_eps"
	MetaRegistryPrefix = "registry/"
)

// Options configures a Store.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory opens a non-persistent store, for tests.
	InMemory bool

	// OnLock selects behavior when another process holds the database:
	// OnLockAbort (default) or OnLockReadOnly.
	OnLock string

	// FlushBatch is the write count that forces an early sync.
	// Default 100.
	FlushBatch int

	// FlushInterval is the maximum time between syncs while writes are
	// pending. Default 250ms.
	FlushInterval time.Duration

	// GCInterval overrides the value log GC cadence. Zero keeps the
	// database default.
	GCInterval time.Duration

	// LegacyReadFallback enables decoding records written by the
	// pre-JSON storage format when JSON decoding fails.
	LegacyReadFallback bool

	// Logger receives storage events. Defaults to slog.Default.
	Logger *slog.Logger

	// OnWrite observes the commit latency of each successful race
	// write. Optional; runs on the write path, so keep it cheap.
	OnWrite func(took time.Duration)

	// OnFlush observes every value log sync and its outcome. Optional;
	// called from the flusher goroutine.
	OnFlush func(took time.Duration, err error)
}

func (o Options) withDefaults() Options {
	if o.OnLock == "" {
		o.OnLock = OnLockAbort
	}
	if o.FlushBatch <= 0 {
		o.FlushBatch = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Store is the persistence layer. All methods are safe for concurrent
// use. Mutating methods return race.ErrReadOnly when the store is
// degraded.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	opts   Options

	flusher *flusher

	readOnly          atomic.Bool
	corruptSkipped    atomic.Uint64
	serializeFailures atomic.Uint64
	needsRepair       atomic.Bool
}

// Open opens or creates the database and verifies its schema. With
// OnLockReadOnly, a held lock degrades the store to read-only instead of
// failing; mutators then return race.ErrReadOnly.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.OnLock != OnLockAbort && opts.OnLock != OnLockReadOnly {
		return nil, fmt.Errorf("unknown on_lock policy %q", opts.OnLock)
	}

	cfg := badger.DefaultConfig()
	cfg.Path = opts.Path
	cfg.InMemory = opts.InMemory
	cfg.Logger = opts.Logger
	if opts.GCInterval > 0 {
		cfg.GCInterval = opts.GCInterval
	}

	readOnly := false
	db, err := badger.OpenDB(cfg)
	if err != nil {
		if !badger.IsLockError(err) {
			return nil, fmt.Errorf("open storage at %s: %w", opts.Path, err)
		}
		if opts.OnLock == OnLockAbort {
			return nil, fmt.Errorf("storage at %s: %w", opts.Path, ErrLocked)
		}

		opts.Logger.Warn("storage is locked, reopening read-only",
			slog.String("path", opts.Path))
		roCfg := cfg
		roCfg.ReadOnly = true
		roCfg.BypassLockGuard = true
		roCfg.GCInterval = 0
		db, err = badger.OpenDB(roCfg)
		if err != nil {
			opts.Logger.Error("read-only reopen failed, serving from empty in-memory store",
				slog.String("path", opts.Path),
				slog.String("error", err.Error()))
			db, err = badger.OpenDB(badger.InMemoryConfig())
			if err != nil {
				return nil, fmt.Errorf("open fallback in-memory storage: %w", err)
			}
		}
		readOnly = true
	}

	s := &Store{
		db:     db,
		logger: opts.Logger,
		opts:   opts,
	}
	s.readOnly.Store(readOnly)

	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if !readOnly && !opts.InMemory {
		s.flusher = newFlusher(db, opts.FlushBatch, opts.FlushInterval, opts.Logger)
		s.flusher.onFlush = opts.OnFlush
		s.flusher.start()
	}

	s.startupCheck(ctx)
	return s, nil
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	if s.flusher != nil {
		s.flusher.stop()
	}
	return s.db.Close()
}

// ReadOnly reports whether the store rejects mutations.
func (s *Store) ReadOnly() bool {
	return s.readOnly.Load()
}

// InMemory reports whether the store has no backing directory.
func (s *Store) InMemory() bool {
	return s.db.InMemory()
}

// Path returns the database directory, empty for in-memory stores.
func (s *Store) Path() string {
	return s.db.Path()
}

// ensureSchema writes the schema version on first open and rejects
// databases written by an incompatible version.
func (s *Store) ensureSchema(ctx context.Context) error {
	var current string
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(schemaVersionKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			current = string(val)
			return nil
		})
	})
	switch {
	case err == nil:
		if current != storageSchemaVersion {
			return fmt.Errorf("storage schema version %q is not supported (want %q)",
				current, storageSchemaVersion)
		}
		return nil
	case errors.Is(err, dgbadger.ErrKeyNotFound):
		if s.ReadOnly() {
			return nil
		}
		return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			return txn.Set([]byte(schemaVersionKey), []byte(storageSchemaVersion))
		})
	default:
		return fmt.Errorf("read schema version: %w", err)
	}
}

// startupCheck samples the time index against the races partition and
// triggers a full repair when they disagree.
func (s *Store) startupCheck(ctx context.Context) {
	const sampleSize = 128

	mismatches := 0
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		itOpts := dgbadger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(timeIndexPrefix)
		seen := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix) && seen < sampleSize; it.Next() {
			seen++
			_, id, err := splitTimeIndexKey(it.Item().Key())
			if err != nil {
				mismatches++
				continue
			}
			if _, err := txn.Get(raceKey(id)); errors.Is(err, dgbadger.ErrKeyNotFound) {
				mismatches++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("startup index check failed", slog.String("error", err.Error()))
		return
	}
	if mismatches == 0 {
		return
	}

	s.needsRepair.Store(true)
	s.logger.Warn("time index disagrees with race records",
		slog.Int("sampled_mismatches", mismatches))
	if s.ReadOnly() {
		return
	}
	report, err := s.Repair(ctx)
	if err != nil {
		s.logger.Error("startup repair failed", slog.String("error", err.Error()))
		return
	}
	s.needsRepair.Store(false)
	s.logger.Info("startup repair completed",
		slog.Int("rebuilt_entries", report.RebuiltEntries),
		slog.Int("removed_orphans", report.RemovedOrphans))
}

// guardWrite is the common mutation precondition.
func (s *Store) guardWrite() error {
	if s.ReadOnly() {
		return race.ErrReadOnly
	}
	return nil
}

// noteWrite tells the flusher a write landed.
func (s *Store) noteWrite(n int) {
	if s.flusher != nil {
		s.flusher.noteWrites(n)
	}
}

// SetMeta stores a JSON value under meta/{name}. Names under idem/,
// audit/, snapshot/, and migration/ are managed by the store itself and
// should not be written directly.
func (s *Store) SetMeta(ctx context.Context, name string, v any) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	if name == "" {
		return race.Invalidf("name", "must not be empty")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", name, err)
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(metaPrefix+name), raw)
	})
	if err != nil {
		return fmt.Errorf("set meta %s: %w", name, err)
	}
	s.noteWrite(1)
	return nil
}

// GetMeta loads meta/{name} into out. Returns race.ErrNotFound when the
// name has never been written.
func (s *Store) GetMeta(ctx context.Context, name string, out any) error {
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return fmt.Errorf("meta %s: %w", name, race.ErrNotFound)
	}
	return err
}

// DeleteMeta removes meta/{name}. Deleting an absent name is not an
// error.
func (s *Store) DeleteMeta(ctx context.Context, name string) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete([]byte(metaPrefix + name))
	})
	if err != nil {
		return fmt.Errorf("delete meta %s: %w", name, err)
	}
	s.noteWrite(1)
	return nil
}

// ScanMeta walks meta/{prefix}* in key order, invoking fn with each
// name (relative to meta/) and raw value. Returning ErrStop from fn ends
// the walk early.
func (s *Store) ScanMeta(ctx context.Context, prefix string, fn func(name string, raw []byte) error) error {
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		full := []byte(metaPrefix + prefix)
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			item := it.Item()
			name := string(item.Key())[len(metaPrefix):]
			var raw []byte
			if err := item.Value(func(val []byte) error {
				raw = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			if err := fn(name, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

// AuditRecord is one entry of the append-only audit trail kept under
// meta/audit/{kind}/.
type AuditRecord struct {
	Kind   string    `json:"kind"`
	RaceID string    `json:"race_id,omitempty"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// appendAuditTxn writes rec inside an open transaction.
func appendAuditTxn(txn *dgbadger.Txn, rec AuditRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	return txn.Set(auditKey(rec.Kind, rec.At), raw)
}

// appendAudit writes rec in its own transaction.
func (s *Store) appendAudit(ctx context.Context, rec AuditRecord) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return appendAuditTxn(txn, rec)
	})
	if err != nil {
		return err
	}
	s.noteWrite(1)
	return nil
}

// ListAudit returns up to limit audit records of the given kind, newest
// first.
func (s *Store) ListAudit(ctx context.Context, kind string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []AuditRecord
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		itOpts := dgbadger.DefaultIteratorOptions
		itOpts.Reverse = true
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(auditPrefix + kind + "/")
		// Reverse iteration needs a seek key past the last prefixed key.
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
			var rec AuditRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				s.logger.Warn("skipping undecodable audit record",
					slog.String("key", string(it.Item().Key())),
					slog.String("error", err.Error()))
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list audit %s: %w", kind, err)
	}
	return records, nil
}

// Health summarizes storage state for monitoring.
type Health struct {
	Path              string        `json:"path,omitempty"`
	ReadOnly          bool          `json:"read_only"`
	InMemory          bool          `json:"in_memory"`
	SizeBytes         int64         `json:"size_bytes"`
	PendingWrites     int64         `json:"pending_writes"`
	LastFlush         time.Time     `json:"last_flush"`
	LastFlushTook     time.Duration `json:"last_flush_took_ns"`
	FlushFailures     uint64        `json:"flush_failures"`
	CorruptSkipped    uint64        `json:"corrupt_skipped"`
	SerializeFailures uint64        `json:"serialize_failures"`
	NeedsRepair       bool          `json:"needs_repair"`
}

// Health reports current storage health counters.
func (s *Store) Health() Health {
	lsm, vlog := s.db.DB.Size()
	h := Health{
		Path:              s.db.Path(),
		ReadOnly:          s.ReadOnly(),
		InMemory:          s.db.InMemory(),
		SizeBytes:         lsm + vlog,
		CorruptSkipped:    s.corruptSkipped.Load(),
		SerializeFailures: s.serializeFailures.Load(),
		NeedsRepair:       s.needsRepair.Load(),
	}
	if s.flusher != nil {
		h.PendingWrites = s.flusher.pending()
		h.LastFlush = s.flusher.lastFlushTime()
		h.LastFlushTook = s.flusher.lastFlushLatency()
		h.FlushFailures = s.flusher.failureCount()
	}
	return h
}

// Flush forces a sync of pending writes, bypassing the batch cadence.
func (s *Store) Flush() error {
	if s.flusher != nil {
		return s.flusher.flushNow()
	}
	return s.db.Sync()
}
