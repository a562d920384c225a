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
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Audit appends rec to the audit trail kept under meta/audit/{kind}/.
// Callers use it to record operator-visible actions that happen outside
// the store itself, such as UI deletions of active races.
func (s *Store) Audit(ctx context.Context, rec AuditRecord) error {
	if rec.Kind == "" {
		return fmt.Errorf("audit record needs a kind")
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return s.appendAudit(ctx, rec)
}

// PartitionCounts tallies records per logical partition.
type PartitionCounts struct {
	Races        int `json:"races"`
	IndexEntries int `json:"index_entries"`
	Clusters     int `json:"clusters"`
	SourceStats  int `json:"source_stats"`
	Meta         int `json:"meta"`
}

// CountPartitions walks every key once and counts records per
// partition. Keys-only iteration keeps the walk cheap regardless of
// value sizes.
func (s *Store) CountPartitions(ctx context.Context) (PartitionCounts, error) {
	var counts PartitionCounts
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		itOpts := dgbadger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			switch {
			case bytes.HasPrefix(key, []byte(racesPrefix)):
				counts.Races++
			case bytes.HasPrefix(key, []byte(timeIndexPrefix)):
				counts.IndexEntries++
			case bytes.HasPrefix(key, []byte(clustersPrefix)):
				counts.Clusters++
			case bytes.HasPrefix(key, []byte(sourceStatsPrefix)):
				counts.SourceStats++
			case bytes.HasPrefix(key, []byte(metaPrefix)):
				counts.Meta++
			}
		}
		return nil
	})
	if err != nil {
		return counts, fmt.Errorf("count partitions: %w", err)
	}
	return counts, nil
}

// CompactReport summarizes a compaction run.
type CompactReport struct {
	LogFilesRewritten int           `json:"log_files_rewritten"`
	SizeBeforeBytes   int64         `json:"size_before_bytes"`
	SizeAfterBytes    int64         `json:"size_after_bytes"`
	Took              time.Duration `json:"took_ns"`
}

// compactDiscardRatio rewrites any value log file with reclaimable
// space; the usual 0.5 threshold is for the background GC cadence, an
// explicit compaction should be thorough.
const compactDiscardRatio = 0.1

// Compact flattens the LSM tree and rewrites value log files until no
// more space can be reclaimed. It blocks until done and is safe to run
// while the server serves traffic, at some cost to write throughput.
// In-memory stores flatten only; they have no value log on disk.
func (s *Store) Compact(ctx context.Context) (CompactReport, error) {
	if err := s.guardWrite(); err != nil {
		return CompactReport{}, err
	}
	start := time.Now()
	lsm, vlog := s.db.DB.Size()
	report := CompactReport{SizeBeforeBytes: lsm + vlog}

	if err := s.db.DB.Flatten(2); err != nil {
		return report, fmt.Errorf("flatten: %w", err)
	}

	if !s.db.InMemory() {
		for {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			err := s.db.DB.RunValueLogGC(compactDiscardRatio)
			if errors.Is(err, dgbadger.ErrNoRewrite) {
				break
			}
			if err != nil {
				return report, fmt.Errorf("value log gc: %w", err)
			}
			report.LogFilesRewritten++
		}
	}

	lsm, vlog = s.db.DB.Size()
	report.SizeAfterBytes = lsm + vlog
	report.Took = time.Since(start)
	s.logger.Info("storage compaction completed",
		slog.Int("log_files_rewritten", report.LogFilesRewritten),
		slog.Int64("size_before_bytes", report.SizeBeforeBytes),
		slog.Int64("size_after_bytes", report.SizeAfterBytes),
		slog.Duration("took", report.Took))
	return report, nil
}

// SchemaVersion returns the storage schema version this build writes.
func SchemaVersion() string {
	return storageSchemaVersion
}
