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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/raceboard/services/raceboard/cluster"
	"github.com/AleutianAI/raceboard/services/raceboard/predict"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// UpsertCluster writes one cluster record.
func (s *Store) UpsertCluster(ctx context.Context, c *cluster.Cluster) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return race.Invalidf("cluster", "%v", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		s.serializeFailures.Add(1)
		return fmt.Errorf("encode cluster %s: %w", c.ID, err)
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(clusterKey(c.ID), data)
	})
	if err != nil {
		return fmt.Errorf("upsert cluster %s: %w", c.ID, err)
	}
	s.noteWrite(1)
	return nil
}

// LoadClusters returns every stored cluster. Records that fail to decode
// or validate are logged and skipped so one bad record cannot block a
// rebuild from loading its baseline.
func (s *Store) LoadClusters(ctx context.Context) ([]*cluster.Cluster, error) {
	var clusters []*cluster.Cluster
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(clustersPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var c cluster.Cluster
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			})
			if err == nil {
				err = c.Validate()
			}
			if err != nil {
				s.corruptSkipped.Add(1)
				s.logger.Warn("skipping bad cluster record",
					slog.String("key", string(item.Key())),
					slog.String("error", err.Error()))
				continue
			}
			clusters = append(clusters, &c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load clusters: %w", err)
	}
	return clusters, nil
}

// ReplaceClusters atomically swaps the stored cluster set for one
// source. Cluster IDs are "{source}:..." so the source's records form a
// key prefix.
func (s *Store) ReplaceClusters(ctx context.Context, source string, clusters []*cluster.Cluster) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	if source == "" {
		return race.Invalidf("source", "must not be empty")
	}
	for _, c := range clusters {
		if c.Source != source {
			return race.Invalidf("clusters", "cluster %s belongs to source %q", c.ID, c.Source)
		}
	}

	writes := 0
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		itOpts := dgbadger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)

		prefix := clusterKey(source + ":")
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, c := range clusters {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode cluster %s: %w", c.ID, err)
			}
			if err := txn.Set(clusterKey(c.ID), data); err != nil {
				return err
			}
		}
		writes = len(stale) + len(clusters)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace clusters for %s: %w", source, err)
	}
	s.noteWrite(writes)
	return nil
}

// PutSourceStats writes the duration statistics for one source.
func (s *Store) PutSourceStats(ctx context.Context, ss *predict.SourceStats) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	if ss == nil || ss.Source == "" {
		return race.Invalidf("source", "must not be empty")
	}

	data, err := json.Marshal(ss)
	if err != nil {
		s.serializeFailures.Add(1)
		return fmt.Errorf("encode source stats %s: %w", ss.Source, err)
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(sourceStatsKey(ss.Source), data)
	})
	if err != nil {
		return fmt.Errorf("put source stats %s: %w", ss.Source, err)
	}
	s.noteWrite(1)
	return nil
}

// LoadSourceStats returns all persisted per-source statistics keyed by
// source. Undecodable records are logged and skipped.
func (s *Store) LoadSourceStats(ctx context.Context) (map[string]*predict.SourceStats, error) {
	stats := make(map[string]*predict.SourceStats)
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(sourceStatsPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var ss predict.SourceStats
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ss)
			})
			if err != nil || ss.Source == "" {
				s.corruptSkipped.Add(1)
				s.logger.Warn("skipping bad source stats record",
					slog.String("key", string(item.Key())))
				continue
			}
			stats[ss.Source] = &ss
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load source stats: %w", err)
	}
	return stats, nil
}
