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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

const (
	completionQueueDepth    = 100
	completionRetryInterval = 10 * time.Second
	maxParked               = 100
	maxPersistAttempts      = 6
)

// completion is one finished race moving through the pipeline. The
// snapshot is immutable once enqueued; persisted tracks whether the
// durable write has landed yet.
type completion struct {
	race      *race.Race
	persisted bool
	attempts  int
}

// completeRace runs the synchronous half of the completion pipeline:
// persist the sealed record, then hand the rest (source stats, cluster
// counters, analytics) to the worker. A failed write never fails the
// originating request; the race stays visible in the active set and
// the write is parked for retry.
func (s *Service) completeRace(ctx context.Context, snap *race.Race) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RacesCompletedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", snap.Source),
			attribute.String("state", string(snap.State)),
		))
	}

	job := completion{race: snap}
	if s.deps.Store != nil {
		if err := s.persist(ctx, &job); err != nil {
			s.logger.Error("completed race failed to persist, parked for retry",
				"race_id", snap.ID, "source", snap.Source, "err", err)
			s.countError(ctx, "storage", race.Classify(err))
			if s.deps.Alerts != nil {
				s.deps.Alerts.Critical(ctx, fmt.Sprintf("completed race %s failed to persist: %v", snap.ID, err))
			}
			s.park(job)
			return
		}
	}

	select {
	case s.completions <- job:
	default:
		// Stats and cluster counters for this race are lost; the
		// durable record is already safe.
		s.logger.Warn("completion queue full, dropping stats update", "race_id", snap.ID)
		s.countError(ctx, "completions", race.KindUnavailable)
	}
}

func (s *Service) persist(ctx context.Context, job *completion) error {
	if job.persisted || s.deps.Store == nil {
		return nil
	}
	job.attempts++
	// The token dedupes replays of the same completion across retries
	// and restarts of the calling adapter.
	if err := s.deps.Store.PutRace(ctx, job.race, "complete:"+job.race.ID); err != nil {
		return err
	}
	job.persisted = true
	return nil
}

// park queues a completion whose durable write failed. The buffer is
// bounded; overflow drops the oldest entry and reports it as data
// loss, which is the honest outcome when the disk stays broken.
func (s *Service) park(job completion) {
	var dropped *completion
	s.mu.Lock()
	if len(s.parked) >= maxParked {
		d := s.parked[0]
		dropped = &d
		s.parked = append(s.parked[:0], s.parked[1:]...)
	}
	s.parked = append(s.parked, job)
	s.mu.Unlock()

	if dropped != nil {
		s.logger.Error("retry buffer full, dropping completed race", "race_id", dropped.race.ID)
		if s.deps.Alerts != nil {
			s.deps.Alerts.DataLoss(context.Background(), dropped.race.ID, "completion retry buffer full")
		}
	}
}

// Run drives the asynchronous half of the completion pipeline until
// the context ends: drain the queue, and periodically retry parked
// writes.
func (s *Service) Run(ctx context.Context) error {
	retry := time.NewTicker(completionRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-s.completions:
			s.finish(ctx, job)
		case <-retry.C:
			s.retryParked(ctx)
		}
	}
}

// finish applies the post-persistence stages. Order matters: source
// stats and cluster counters only ever reflect races that made it to
// disk, so a rebuild never sees a race the scan cannot.
func (s *Service) finish(ctx context.Context, job completion) {
	if !job.persisted {
		if err := s.persist(ctx, &job); err != nil {
			if job.attempts >= maxPersistAttempts {
				s.logger.Error("giving up on completed race after repeated write failures",
					"race_id", job.race.ID, "attempts", job.attempts, "err", err)
				if s.deps.Alerts != nil {
					s.deps.Alerts.DataLoss(ctx, job.race.ID, "persist retries exhausted")
				}
				return
			}
			s.park(job)
			return
		}
	}

	now := time.Now().UTC()
	if s.deps.Predictor != nil && job.race.DurationSec != nil {
		s.deps.Predictor.ObserveCompletion(ctx, job.race.Source, float64(*job.race.DurationSec), now)
	}
	if s.deps.Clusters != nil {
		s.deps.Clusters.NotifyCompletion(job.race.Source)
	}
	if s.deps.Analytics != nil {
		s.deps.Analytics.Record(ctx, job.race)
	}
}

func (s *Service) retryParked(ctx context.Context) {
	s.mu.Lock()
	jobs := s.parked
	s.parked = nil
	s.mu.Unlock()
	if len(jobs) == 0 {
		return
	}

	s.logger.Info("retrying parked completions", "count", len(jobs))
	for _, job := range jobs {
		s.finish(ctx, job)
	}
}
