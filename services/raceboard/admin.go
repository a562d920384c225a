// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package raceboard

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/raceboard/pkg/logging"
	"github.com/AleutianAI/raceboard/services/raceboard/cluster"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
	"github.com/AleutianAI/raceboard/services/raceboard/storage"
)

// Purge permanently deletes the named races from history and from the
// active set. Each deletion is audited individually; the request
// itself is audited once with who asked and why.
func (s *Service) Purge(ctx context.Context, req PurgeRequest) (PurgeResponse, error) {
	if err := s.guardWrite(); err != nil {
		return PurgeResponse{}, err
	}
	if s.deps.Store == nil {
		return PurgeResponse{}, fmt.Errorf("no persistent store: %w", race.ErrUnavailable)
	}

	var resp PurgeResponse
	for _, id := range req.RaceIDs {
		inActive := s.deps.Active.Delete(id)
		err := s.deps.Store.DeleteRace(ctx, id)
		switch {
		case err == nil:
			resp.Purged++
		case errors.Is(err, race.ErrNotFound):
			if inActive {
				resp.Purged++
			} else {
				resp.NotFound++
			}
		default:
			return resp, fmt.Errorf("purge %s: %w", id, err)
		}
	}

	note := fmt.Sprintf("purged=%d not_found=%d reason=%q requested_by=%q",
		resp.Purged, resp.NotFound, req.Reason, req.RequestedBy)
	if err := s.deps.Store.Audit(ctx, storage.AuditRecord{Kind: "purge_request", Note: note}); err != nil {
		s.logger.Warn("audit write failed", "kind", "purge_request", "err", err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.PurgeRequestsTotal.Add(ctx, 1)
	}
	s.logger.Info("purge completed",
		"purged", resp.Purged, "not_found", resp.NotFound, "requested_by", req.RequestedBy)
	return resp, nil
}

// SnapshotNow exports a snapshot, prunes old ones past the retention
// count, and mirrors the new file to GCS when a mirror is configured.
// Shared by the daily scheduler and POST /admin/snapshot.
func (s *Service) SnapshotNow(ctx context.Context) (*storage.SnapshotManifest, error) {
	if s.deps.Store == nil {
		return nil, fmt.Errorf("no persistent store: %w", race.ErrUnavailable)
	}
	dir := logging.ExpandPath(s.cfg.Snapshots.Dir)

	man, err := s.deps.Store.Snapshot(ctx, dir)
	if err != nil {
		return nil, err
	}

	if n, err := s.deps.Store.PruneSnapshots(ctx, dir, s.cfg.Snapshots.Retain); err != nil {
		s.logger.Warn("snapshot prune failed", "err", err)
	} else if n > 0 {
		s.logger.Info("pruned old snapshots", "removed", n, "retain", s.cfg.Snapshots.Retain)
	}

	if s.deps.Mirror != nil {
		if err := s.deps.Mirror.UploadSnapshot(ctx, filepath.Join(dir, man.File)); err != nil {
			// The local snapshot is good; the mirror catches up on the
			// next run.
			s.logger.Warn("snapshot mirror upload failed", "file", man.File, "err", err)
		}
	}
	return man, nil
}

// StartCompaction kicks off value-log GC in the background and returns
// a job id for the logs. Only one compaction runs at a time.
func (s *Service) StartCompaction() (string, error) {
	if s.deps.Store == nil {
		return "", fmt.Errorf("no persistent store: %w", race.ErrUnavailable)
	}
	if !s.compacting.CompareAndSwap(false, true) {
		return "", fmt.Errorf("compaction already running: %w", race.ErrConflict)
	}

	jobID := fmt.Sprintf("compact_%d", time.Now().Unix())
	go func() {
		defer s.compacting.Store(false)
		// Detached from the request; compaction outlives the caller.
		rep, err := s.deps.Store.Compact(context.Background())
		if err != nil {
			s.logger.Error("compaction failed", "job_id", jobID, "err", err)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CompactionDuration.Record(context.Background(), rep.Took.Seconds())
		}
		s.logger.Info("compaction finished",
			"job_id", jobID, "log_files_rewritten", rep.LogFilesRewritten, "took", rep.Took)
	}()
	return jobID, nil
}

// StartRebuild kicks off a cluster rebuild in the background. The
// engine enforces its own wall-clock budget and single-flight; the
// service-level flag exists so a second request gets 409 instead of
// silently piggybacking.
func (s *Service) StartRebuild(sources []string) (string, error) {
	if s.deps.Clusters == nil {
		return "", fmt.Errorf("clustering disabled: %w", race.ErrUnavailable)
	}
	if !s.rebuilding.CompareAndSwap(false, true) {
		return "", fmt.Errorf("rebuild already running: %w", race.ErrConflict)
	}

	jobID := fmt.Sprintf("rebuild_%d", time.Now().Unix())
	go func() {
		defer s.rebuilding.Store(false)
		start := time.Now()
		results, err := s.deps.Clusters.Rebuild(context.Background(), sources, start.UTC())
		s.recordRebuild(results, err, time.Since(start))
		if err != nil {
			s.logger.Error("cluster rebuild failed", "job_id", jobID, "err", err)
			return
		}
		s.logger.Info("cluster rebuild finished", "job_id", jobID, "sources", len(results), "took", time.Since(start))
	}()
	return jobID, nil
}

func (s *Service) recordRebuild(results []cluster.Result, err error, took time.Duration) {
	if s.deps.Metrics == nil {
		return
	}
	ctx := context.Background()
	s.deps.Metrics.RebuildDuration.Record(ctx, took.Seconds())
	if err != nil {
		s.deps.Metrics.RebuildsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return
	}
	for _, res := range results {
		outcome := "rejected"
		switch {
		case res.Skipped:
			outcome = "skipped"
		case res.Accepted:
			outcome = "accepted"
		}
		s.deps.Metrics.RebuildsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("source", res.Source),
		))
	}
}

// RolloutState returns a deep copy of the clustering rollout state.
func (s *Service) RolloutState() (cluster.RolloutState, error) {
	if s.deps.Clusters == nil {
		return cluster.RolloutState{}, fmt.Errorf("clustering disabled: %w", race.ErrUnavailable)
	}
	return s.deps.Clusters.Rollout().State(), nil
}

// RolloutReset drops every source back to phase 1 defaults.
func (s *Service) RolloutReset(ctx context.Context) error {
	if s.deps.Clusters == nil {
		return fmt.Errorf("clustering disabled: %w", race.ErrUnavailable)
	}
	s.deps.Clusters.Rollout().Reset()
	s.persistRollout(ctx)
	s.logger.Info("cluster rollout reset")
	return nil
}

// RolloutEnableAll forces every known source into one mode, the manual
// override for "I trust it, turn it on".
func (s *Service) RolloutEnableAll(ctx context.Context, mode string) error {
	if s.deps.Clusters == nil {
		return fmt.Errorf("clustering disabled: %w", race.ErrUnavailable)
	}
	m := cluster.Mode(mode)
	switch m {
	case cluster.ModeDisabled, cluster.ModeShadow, cluster.ModeCanary, cluster.ModeProduction:
	default:
		return race.Invalidf("mode", "unknown mode %q", mode)
	}
	s.deps.Clusters.Rollout().EnableAll(m)
	s.persistRollout(ctx)
	s.logger.Info("cluster rollout forced", "mode", mode)
	return nil
}

// persistRollout writes the rollout state through to storage so manual
// admin actions survive a restart, same as rebuild-driven transitions.
func (s *Service) persistRollout(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	st := s.deps.Clusters.Rollout().State()
	if err := s.deps.Store.SetMeta(ctx, storage.MetaRollout, st); err != nil {
		s.logger.Warn("rollout state persist failed", "err", err)
	}
}

// BuildHealth assembles the GET /health body from the live subsystems.
func (s *Service) BuildHealth() HealthResponse {
	resp := HealthResponse{
		Status:   "ok",
		Service:  serviceName,
		Version:  ServiceVersion,
		ReadOnly: s.ReadOnly(),
	}
	if s.deps.Monitor != nil {
		resp.Storage = s.deps.Monitor.Health()
	}
	if s.deps.Registry != nil {
		resp.Adapters = s.deps.Registry.Summary()
	}
	if resp.ReadOnly || len(resp.Storage.CriticalErrors) > 0 {
		resp.Status = "degraded"
	}
	return resp
}

// BuildStorageReport assembles the GET /admin/storage-report body.
func (s *Service) BuildStorageReport(ctx context.Context) (StorageReport, error) {
	if s.deps.Store == nil {
		return StorageReport{}, fmt.Errorf("no persistent store: %w", race.ErrUnavailable)
	}
	health := s.deps.Store.Health()
	rep := StorageReport{
		SchemaVersion: storage.SchemaVersion(),
		DBSizeBytes:   health.SizeBytes,
		Health:        health,
	}
	parts, err := s.deps.Store.CountPartitions(ctx)
	if err != nil {
		return rep, err
	}
	rep.Partitions = parts
	if s.deps.Monitor != nil {
		rep.SLO = s.deps.Monitor.SLO().Report()
	}
	if snaps, err := s.deps.Store.ListSnapshots(ctx); err != nil {
		s.logger.Warn("snapshot listing failed", "err", err)
	} else {
		rep.Snapshots = snaps
	}
	return rep, nil
}

// BuildMetricsSummary assembles the GET /admin/metrics body. Always
// answers; subsystems that are not wired report zero values.
func (s *Service) BuildMetricsSummary() MetricsSummary {
	sum := MetricsSummary{Timestamp: time.Now().UTC()}

	st := s.deps.Active.Stats()
	sum.Active = activeStats{
		Races:       st.Races,
		Subscribers: st.Subscribers,
		Evictions:   st.Evictions,
		Dropped:     st.Dropped,
	}
	if s.deps.Store != nil {
		sum.Storage = s.deps.Store.Health()
	}
	if s.deps.Monitor != nil {
		sum.Census = s.deps.Monitor.Health()
		sum.SLO = s.deps.Monitor.SLO().Report()
	}
	if s.deps.Clusters != nil {
		sum.Clusters = clusterStats{
			Version: s.deps.Clusters.Version(),
			Total:   len(s.deps.Clusters.Clusters()),
		}
	}
	return sum
}
