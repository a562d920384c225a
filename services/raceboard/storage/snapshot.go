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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// SnapshotSuffix is the snapshot file extension.
const SnapshotSuffix = ".snap.zst"

// snapshotFormat identifies the stream layout inside a snapshot file.
const (
	snapshotFormat  = "raceboard-snapshot"
	snapshotVersion = 1
)

// Snapshot stream partitions. The time index is rebuilt on restore and
// meta/ is deliberately excluded.
const (
	snapPartRaces       = "races"
	snapPartClusters    = "clusters"
	snapPartSourceStats = "source_stats"
)

// SnapshotManifest records a completed snapshot. Manifests live under
// meta/snapshot/{created_at} and mirror the .sha256 sidecar next to the
// file.
type SnapshotManifest struct {
	File        string    `json:"file"`
	SHA256      string    `json:"sha256"`
	SizeBytes   int64     `json:"size_bytes"`
	Races       int       `json:"races"`
	Clusters    int       `json:"clusters"`
	SourceStats int       `json:"source_stats"`
	CreatedAt   time.Time `json:"created_at"`
}

type snapHeader struct {
	Format    string    `json:"format"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type snapRecord struct {
	Partition string          `json:"partition"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
}

// Snapshot exports races, clusters, and source stats into a compressed,
// checksummed file named {date}.snap.zst under dir, overwriting an
// earlier snapshot from the same day. The export reads one consistent
// database snapshot; writes arriving during the export are not included.
func (s *Store) Snapshot(ctx context.Context, dir string) (*SnapshotManifest, error) {
	if dir == "" {
		return nil, race.Invalidf("dir", "must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	now := time.Now().UTC()
	name := now.Format("2006-01-02") + SnapshotSuffix
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp)

	hash := sha256.New()
	enc, err := zstd.NewWriter(io.MultiWriter(file, hash))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	manifest := &SnapshotManifest{File: name, CreatedAt: now}
	writeErr := func() error {
		out := json.NewEncoder(enc)
		if err := out.Encode(snapHeader{
			Format:    snapshotFormat,
			Version:   snapshotVersion,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
			parts := []struct {
				partition string
				prefix    string
				count     *int
			}{
				{snapPartRaces, racesPrefix, &manifest.Races},
				{snapPartClusters, clustersPrefix, &manifest.Clusters},
				{snapPartSourceStats, sourceStatsPrefix, &manifest.SourceStats},
			}
			it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
			defer it.Close()

			for _, p := range parts {
				prefix := []byte(p.prefix)
				for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
					if err := ctx.Err(); err != nil {
						return err
					}
					item := it.Item()
					rec := snapRecord{
						Partition: p.partition,
						Key:       string(item.Key())[len(p.prefix):],
					}
					if err := item.Value(func(val []byte) error {
						if json.Valid(val) {
							rec.Value = append(json.RawMessage(nil), val...)
							return nil
						}
						// Legacy value; re-encode through the race decoder
						// when possible, skip otherwise.
						if p.partition == snapPartRaces {
							if r, derr := s.decodeRace(val); derr == nil {
								if reenc, merr := json.Marshal(r); merr == nil {
									rec.Value = reenc
									return nil
								}
							}
						}
						s.logger.Warn("snapshot skipping undecodable record",
							slog.String("key", string(item.Key())))
						return nil
					}); err != nil {
						return err
					}
					if rec.Value == nil {
						continue
					}
					if err := out.Encode(rec); err != nil {
						return err
					}
					*p.count++
				}
			}
			return nil
		})
	}()
	if writeErr != nil {
		enc.Close()
		file.Close()
		return nil, fmt.Errorf("write snapshot: %w", writeErr)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return nil, fmt.Errorf("finish snapshot compression: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot file: %w", err)
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot file: %w", err)
	}
	manifest.SizeBytes = info.Size()
	manifest.SHA256 = hex.EncodeToString(hash.Sum(nil))

	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("finalize snapshot file: %w", err)
	}
	sidecar := path + ".sha256"
	if err := os.WriteFile(sidecar, []byte(manifest.SHA256+"\n"), 0o600); err != nil {
		s.logger.Warn("write snapshot checksum sidecar failed",
			slog.String("path", sidecar),
			slog.String("error", err.Error()))
	}

	if !s.ReadOnly() {
		if err := s.SetMeta(ctx, "snapshot/"+now.Format(time.RFC3339), manifest); err != nil {
			s.logger.Warn("record snapshot manifest failed",
				slog.String("error", err.Error()))
		}
	}

	s.logger.Info("snapshot written",
		slog.String("path", path),
		slog.Int64("size_bytes", manifest.SizeBytes),
		slog.Int("races", manifest.Races),
		slog.Int("clusters", manifest.Clusters))
	return manifest, nil
}

// ListSnapshots returns recorded snapshot manifests, newest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotManifest, error) {
	var manifests []SnapshotManifest
	err := s.ScanMeta(ctx, "snapshot/", func(name string, raw []byte) error {
		var m SnapshotManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Warn("skipping bad snapshot manifest", slog.String("name", name))
			return nil
		}
		manifests = append(manifests, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// PruneSnapshots removes snapshot files beyond the retain newest, along
// with their sidecars and manifests. Returns the number of snapshot
// files removed.
func (s *Store) PruneSnapshots(ctx context.Context, dir string, retain int) (int, error) {
	if retain <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read snapshot directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), SnapshotSuffix) {
			names = append(names, e.Name())
		}
	}
	// Date-stamped names sort chronologically; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) <= retain {
		return 0, nil
	}

	removed := 0
	pruned := make(map[string]bool)
	for _, name := range names[retain:] {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("prune snapshot failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		os.Remove(path + ".sha256")
		pruned[name] = true
		removed++
	}

	if len(pruned) > 0 && !s.ReadOnly() {
		var staleManifests []string
		err := s.ScanMeta(ctx, "snapshot/", func(name string, raw []byte) error {
			var m SnapshotManifest
			if json.Unmarshal(raw, &m) == nil && pruned[m.File] {
				staleManifests = append(staleManifests, name)
			}
			return nil
		})
		if err == nil {
			for _, name := range staleManifests {
				if err := s.DeleteMeta(ctx, name); err != nil {
					s.logger.Warn("prune snapshot manifest failed",
						slog.String("name", name))
				}
			}
		}
	}
	return removed, nil
}

// Restore replays a snapshot file into the store after verifying its
// checksum against the sidecar or a recorded manifest. Existing records
// with the same keys are overwritten; records absent from the snapshot
// are left alone. The time index is rebuilt for restored races.
func (s *Store) Restore(ctx context.Context, path string) error {
	if err := s.guardWrite(); err != nil {
		return err
	}

	want, err := s.expectedChecksum(ctx, path)
	if err != nil {
		return err
	}
	got, err := fileChecksum(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("snapshot %s checksum mismatch: %w", filepath.Base(path), race.ErrCorrupt)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("open zstd stream: %w", err)
	}
	defer dec.Close()

	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return fmt.Errorf("snapshot %s is empty: %w", filepath.Base(path), race.ErrCorrupt)
	}
	var header snapHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil ||
		header.Format != snapshotFormat || header.Version != snapshotVersion {
		return fmt.Errorf("snapshot %s has unrecognized header: %w", filepath.Base(path), race.ErrCorrupt)
	}

	restored := 0
	batch := make([]snapRecord, 0, repairChunk)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			for _, rec := range batch {
				switch rec.Partition {
				case snapPartRaces:
					var r race.Race
					if err := json.Unmarshal(rec.Value, &r); err != nil || r.ID == "" {
						s.logger.Warn("restore skipping bad race record",
							slog.String("key", rec.Key))
						continue
					}
					if err := txn.Set(raceKey(r.ID), rec.Value); err != nil {
						return err
					}
					if err := txn.Set(timeIndexKey(r.StartedAt, r.ID), nil); err != nil {
						return err
					}
				case snapPartClusters:
					if err := txn.Set(clusterKey(rec.Key), rec.Value); err != nil {
						return err
					}
				case snapPartSourceStats:
					if err := txn.Set(sourceStatsKey(rec.Key), rec.Value); err != nil {
						return err
					}
				default:
					s.logger.Warn("restore skipping unknown partition",
						slog.String("partition", rec.Partition))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		restored += len(batch)
		s.noteWrite(len(batch))
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec snapRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.logger.Warn("restore skipping undecodable line",
				slog.String("error", err.Error()))
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= repairChunk {
			if err := flush(); err != nil {
				return fmt.Errorf("restore write: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read snapshot stream: %w", err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("restore write: %w", err)
	}

	if err := s.appendAudit(ctx, AuditRecord{
		Kind: "restore",
		Note: fmt.Sprintf("restored %d records from %s", restored, filepath.Base(path)),
		At:   time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("record restore audit failed", slog.String("error", err.Error()))
	}
	s.logger.Info("snapshot restored",
		slog.String("path", path),
		slog.Int("records", restored))
	return nil
}

// expectedChecksum finds the recorded checksum for a snapshot file,
// preferring the sidecar over manifests.
func (s *Store) expectedChecksum(ctx context.Context, path string) (string, error) {
	if raw, err := os.ReadFile(path + ".sha256"); err == nil {
		sum := strings.TrimSpace(string(raw))
		if sum != "" {
			return sum, nil
		}
	}

	base := filepath.Base(path)
	manifests, err := s.ListSnapshots(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range manifests {
		if m.File == base {
			return m.SHA256, nil
		}
	}
	return "", fmt.Errorf("no checksum recorded for snapshot %s", base)
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
