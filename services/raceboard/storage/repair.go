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
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// repairChunk bounds mutations per transaction during repair.
const repairChunk = 1000

// RepairReport summarizes what a repair run found and fixed.
type RepairReport struct {
	CheckedRaces   int           `json:"checked_races"`
	CheckedEntries int           `json:"checked_entries"`
	RebuiltEntries int           `json:"rebuilt_entries"`
	RemovedOrphans int           `json:"removed_orphans"`
	CorruptRecords int           `json:"corrupt_records"`
	Took           time.Duration `json:"took_ns"`
}

// Repair reconciles the time index with the races partition: index
// entries whose race is gone or whose timestamp no longer matches are
// removed, and races missing their index entry get one. Corrupt race
// records are counted but left in place.
//
// The reconciliation reads a consistent snapshot, then applies fixes in
// bounded transactions, so it is safe to run while the server serves
// traffic.
func (s *Store) Repair(ctx context.Context) (RepairReport, error) {
	if err := s.guardWrite(); err != nil {
		return RepairReport{}, err
	}
	start := time.Now()

	// expected maps each race ID to its correct index key.
	expected := make(map[string][]byte)
	var report RepairReport
	var toDelete [][]byte
	var toAdd [][]byte

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		racesPfx := []byte(racesPrefix)
		for it.Seek(racesPfx); it.ValidForPrefix(racesPfx); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.CheckedRaces++
			item := it.Item()
			var r *race.Race
			err := item.Value(func(val []byte) error {
				var derr error
				r, derr = s.decodeRace(val)
				return derr
			})
			if err != nil {
				report.CorruptRecords++
				continue
			}
			id := string(item.Key())[len(racesPrefix):]
			expected[id] = timeIndexKey(r.StartedAt, id)
		}

		idxPfx := []byte(timeIndexPrefix)
		for it.Seek(idxPfx); it.ValidForPrefix(idxPfx); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.CheckedEntries++
			key := it.Item().KeyCopy(nil)
			_, id, err := splitTimeIndexKey(key)
			if err != nil {
				toDelete = append(toDelete, key)
				continue
			}
			want, ok := expected[id]
			if !ok || !bytes.Equal(want, key) {
				toDelete = append(toDelete, key)
				continue
			}
			// Entry is correct; drop it from the rebuild set.
			delete(expected, id)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("repair scan: %w", err)
	}

	for _, key := range expected {
		toAdd = append(toAdd, key)
	}
	report.RemovedOrphans = len(toDelete)
	report.RebuiltEntries = len(toAdd)

	if err := s.applyChunked(ctx, toDelete, true); err != nil {
		return report, fmt.Errorf("repair delete: %w", err)
	}
	if err := s.applyChunked(ctx, toAdd, false); err != nil {
		return report, fmt.Errorf("repair rebuild: %w", err)
	}

	report.Took = time.Since(start)
	if report.RemovedOrphans > 0 || report.RebuiltEntries > 0 {
		s.noteWrite(report.RemovedOrphans + report.RebuiltEntries)
	}
	s.needsRepair.Store(false)
	return report, nil
}

// applyChunked deletes or sets keys in bounded transactions.
func (s *Store) applyChunked(ctx context.Context, keys [][]byte, del bool) error {
	for i := 0; i < len(keys); i += repairChunk {
		end := i + repairChunk
		if end > len(keys) {
			end = len(keys)
		}
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			for _, key := range keys[i:end] {
				if del {
					if err := txn.Delete(key); err != nil {
						return err
					}
				} else if err := txn.Set(key, nil); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
