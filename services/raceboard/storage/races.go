// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// maxScanLimit caps a single historic page.
const maxScanLimit = 1000

// defaultScanLimit applies when a query leaves Limit unset.
const defaultScanLimit = 100

// PutRace upserts a race record and maintains the time index. When the
// race already exists with a different started_at, the stale index entry
// is removed in the same transaction.
//
// A non-empty idempotency token short-circuits: if the token was seen
// within the retention window the write is skipped and PutRace returns
// nil, so adapter retries cannot double-apply.
func (s *Store) PutRace(ctx context.Context, r *race.Race, idemToken string) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	if r == nil || r.ID == "" {
		return race.Invalidf("id", "must not be empty")
	}

	data, err := json.Marshal(r)
	if err != nil {
		s.serializeFailures.Add(1)
		return fmt.Errorf("encode race %s: %w", r.ID, err)
	}

	seen := false
	start := time.Now()
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if idemToken != "" {
			if _, err := txn.Get(idempotencyKey(idemToken)); err == nil {
				seen = true
				return nil
			} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
				return fmt.Errorf("check idempotency token: %w", err)
			}
		}

		old, err := s.getRaceTxn(txn, r.ID)
		if err != nil && !errors.Is(err, dgbadger.ErrKeyNotFound) {
			if !errors.Is(err, race.ErrCorrupt) {
				return err
			}
			// An undecodable prior record is replaced outright; its index
			// entry, if any, is unreachable and left for repair.
			s.logger.Warn("replacing corrupt race record", slog.String("race_id", r.ID))
			old = nil
		}

		if err := txn.Set(raceKey(r.ID), data); err != nil {
			return err
		}

		newIdx := timeIndexKey(r.StartedAt, r.ID)
		if old != nil && !old.StartedAt.Equal(r.StartedAt) {
			if err := txn.Delete(timeIndexKey(old.StartedAt, old.ID)); err != nil {
				return err
			}
		}
		if err := txn.Set(newIdx, nil); err != nil {
			return err
		}

		if idemToken != "" {
			entry := dgbadger.NewEntry(idempotencyKey(idemToken), []byte{1}).
				WithTTL(idempotencyTTL)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put race %s: %w", r.ID, err)
	}
	if s.opts.OnWrite != nil {
		s.opts.OnWrite(time.Since(start))
	}
	if !seen {
		s.noteWrite(2)
	}
	return nil
}

// GetRace loads one race by ID. Returns race.ErrNotFound for unknown IDs
// and race.ErrCorrupt when the stored record cannot be decoded.
func (s *Store) GetRace(ctx context.Context, id string) (*race.Race, error) {
	var r *race.Race
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		r, err = s.getRaceTxn(txn, id)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("race %s: %w", id, race.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// getRaceTxn loads and decodes races/{id} inside an open transaction.
// Passes through badger's ErrKeyNotFound for absent records.
func (s *Store) getRaceTxn(txn *dgbadger.Txn, id string) (*race.Race, error) {
	item, err := txn.Get(raceKey(id))
	if err != nil {
		return nil, err
	}
	var r *race.Race
	err = item.Value(func(val []byte) error {
		r, err = s.decodeRace(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// decodeRace decodes a stored race record. JSON is canonical; when
// enabled, records from the pre-JSON format are decoded with gob as a
// fallback.
func (s *Store) decodeRace(val []byte) (*race.Race, error) {
	var r race.Race
	jsonErr := json.Unmarshal(val, &r)
	if jsonErr == nil {
		return &r, nil
	}
	if s.opts.LegacyReadFallback {
		r = race.Race{}
		if gobErr := gob.NewDecoder(bytes.NewReader(val)).Decode(&r); gobErr == nil {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", race.ErrCorrupt, jsonErr)
}

// DeleteRace removes a race and its index entry, leaving a purge record
// in the audit trail. Returns race.ErrNotFound for unknown IDs.
func (s *Store) DeleteRace(ctx context.Context, id string) error {
	if err := s.guardWrite(); err != nil {
		return err
	}

	start := time.Now()
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		old, err := s.getRaceTxn(txn, id)
		if err != nil {
			if errors.Is(err, race.ErrCorrupt) {
				// Still delete the record; the index entry location is
				// unknown and left for repair.
				old = nil
			} else {
				return err
			}
		}

		if err := txn.Delete(raceKey(id)); err != nil {
			return err
		}
		if old != nil {
			if err := txn.Delete(timeIndexKey(old.StartedAt, old.ID)); err != nil {
				return err
			}
		}
		return appendAuditTxn(txn, AuditRecord{
			Kind:   "purge",
			RaceID: id,
			At:     time.Now().UTC(),
		})
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return fmt.Errorf("race %s: %w", id, race.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete race %s: %w", id, err)
	}
	if s.opts.OnWrite != nil {
		s.opts.OnWrite(time.Since(start))
	}
	s.noteWrite(3)
	return nil
}

// ScanQuery selects a page of historic races. The window is half-open:
// From inclusive, To exclusive. A zero time leaves that bound open.
type ScanQuery struct {
	Source        string
	From          time.Time
	To            time.Time
	Cursor        string
	Limit         int
	IncludeEvents bool
}

// ScanResult is one page of a historic scan.
type ScanResult struct {
	Races []*race.Race
	// NextCursor resumes after the last returned race. Empty when the
	// window is exhausted.
	NextCursor string
	// CorruptSkipped counts records in this page's range that could not
	// be decoded and were skipped.
	CorruptSkipped int
}

// ScanRaces pages through history in (started_at, id) order. Corrupt
// records are logged, counted, and skipped rather than failing the page.
// The source filter applies after the time window, so a filtered page
// may return fewer than Limit races while more remain.
func (s *Store) ScanRaces(ctx context.Context, q ScanQuery) (*ScanResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	if limit > maxScanLimit {
		limit = maxScanLimit
	}

	seek := []byte(timeIndexPrefix)
	if q.Cursor != "" {
		c, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, race.Invalidf("cursor", "%v", err)
		}
		seek = c.seekKey()
	} else if !q.From.IsZero() {
		seek = timeSeekKey(q.From)
	}

	res := &ScanResult{}
	var lastTs time.Time
	var lastID string
	hasMore := false

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		itOpts := dgbadger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(timeIndexPrefix)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			ts, id, err := splitTimeIndexKey(it.Item().KeyCopy(nil))
			if err != nil {
				s.corruptSkipped.Add(1)
				res.CorruptSkipped++
				s.logger.Warn("skipping malformed index key",
					slog.String("key", string(it.Item().Key())))
				continue
			}
			if !q.To.IsZero() && !ts.Before(q.To) {
				break
			}
			if len(res.Races) >= limit {
				hasMore = true
				break
			}

			r, err := s.getRaceTxn(txn, id)
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				// Orphaned index entry; repair removes these.
				s.needsRepair.Store(true)
				continue
			}
			if err != nil {
				s.corruptSkipped.Add(1)
				res.CorruptSkipped++
				s.logger.Warn("skipping corrupt race record",
					slog.String("race_id", id),
					slog.String("error", err.Error()))
				continue
			}

			lastTs, lastID = ts, id
			if q.Source != "" && r.Source != q.Source {
				continue
			}
			if !q.IncludeEvents {
				r.Events = nil
			}
			res.Races = append(res.Races, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan races: %w", err)
	}

	if hasMore && lastID != "" {
		res.NextCursor = EncodeCursor(cursorFor(lastTs, lastID))
	}
	return res, nil
}

// StreamCompleted walks completed races of a source in started_at order,
// starting at since (zero means from the beginning). An empty source
// matches all sources. Returning ErrStop from fn ends the walk early.
//
// The walk runs inside one read transaction, so callers observe a
// consistent snapshot even while writes continue.
func (s *Store) StreamCompleted(ctx context.Context, source string, since time.Time, fn func(*race.Race) error) error {
	seek := []byte(timeIndexPrefix)
	if !since.IsZero() {
		seek = timeSeekKey(since)
	}

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		itOpts := dgbadger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(timeIndexPrefix)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, id, err := splitTimeIndexKey(it.Item().KeyCopy(nil))
			if err != nil {
				continue
			}
			r, err := s.getRaceTxn(txn, id)
			if err != nil {
				if !errors.Is(err, dgbadger.ErrKeyNotFound) {
					s.corruptSkipped.Add(1)
				}
				continue
			}
			if !r.Terminal() {
				continue
			}
			if source != "" && r.Source != source {
				continue
			}
			if err := fn(r); err != nil {
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

// CountRaces returns the number of stored race records.
func (s *Store) CountRaces(ctx context.Context) (int, error) {
	count := 0
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		itOpts := dgbadger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(racesPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count races: %w", err)
	}
	return count, nil
}
