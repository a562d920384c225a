// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cluster

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

const (
	// intervalCheckEvery is how often the scheduled-rebuild clock is
	// inspected. The interval itself comes from Config.RebuildInterval.
	intervalCheckEvery = time.Hour

	// metricsCheckEvery is how often live cluster quality is inspected
	// for degradation triggers.
	metricsCheckEvery = 5 * time.Minute

	// promotionCheckEvery is how often rollout promotions and phase
	// advancement are attempted.
	promotionCheckEvery = 30 * time.Minute

	// noiseTriggerRatio retriggers a source whose live noise ratio
	// drifted past this fraction.
	noiseTriggerRatio = 0.15

	// maeTriggerFraction retriggers a source whose recent prediction
	// error exceeds this fraction of its median cluster duration.
	maeTriggerFraction = 0.20

	// completionsTrigger retriggers a source after this many new
	// completions since its last rebuild.
	completionsTrigger = 1000

	// maeWindow bounds the completed-race scan behind the MAE
	// degradation check.
	maeWindow = 24 * time.Hour

	// recentPerSource caps how many recent completions per source feed
	// the degradation check.
	recentPerSource = 100
)

// Run drives the background rebuild triggers until the context ends.
// Three cadences share the loop: the hourly check against the
// scheduled rebuild interval, the five-minute quality check, and the
// half-hour rollout promotion sweep. Trigger overlap is harmless; a
// rebuild already in flight makes the next request a no-op.
func (e *Engine) Run(ctx context.Context) error {
	intervalTick := time.NewTicker(intervalCheckEvery)
	defer intervalTick.Stop()
	metricsTick := time.NewTicker(metricsCheckEvery)
	defer metricsTick.Stop()
	promoteTick := time.NewTicker(promotionCheckEvery)
	defer promoteTick.Stop()

	e.logger.Info("cluster rebuild triggers running",
		"interval", e.cfg.RebuildInterval,
		"metrics_check", metricsCheckEvery,
		"promotion_check", promotionCheckEvery)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-intervalTick.C:
			e.runDue(ctx, e.dueByInterval(time.Now()), "interval")
		case <-metricsTick.C:
			e.runDue(ctx, e.dueByMetrics(ctx, time.Now()), "metrics")
		case <-promoteTick.C:
			e.rollout.PromoteEligible()
			if phase, advanced := e.rollout.TryAdvance(); advanced {
				e.logger.Info("rollout phase advanced", "phase", phase)
			}
			e.persistState(ctx)
		}
	}
}

func (e *Engine) runDue(ctx context.Context, due []string, trigger string) {
	if len(due) == 0 {
		return
	}
	e.logger.Info("cluster rebuild triggered", "trigger", trigger, "sources", due)
	if _, err := e.Rebuild(ctx, due, time.Now()); err != nil && !errors.Is(err, ErrRebuildRunning) {
		e.logger.Error("triggered rebuild failed", "trigger", trigger, "err", err)
	}
}

// dueByInterval returns the tracked sources whose scheduled rebuild
// interval has elapsed, including sources that completed races but
// were never built.
func (e *Engine) dueByInterval(now time.Time) []string {
	var due []string
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.trackedSourcesLocked() {
		last, ok := e.lastRebuild[s]
		if !ok || now.Sub(last) >= e.cfg.RebuildInterval {
			due = append(due, s)
		}
	}
	return due
}

// trackedSourcesLocked unions the sources in the live snapshot with
// the sources that reported completions, sorted. Caller holds e.mu.
func (e *Engine) trackedSourcesLocked() []string {
	set := make(map[string]struct{})
	for s := range e.snap.Load().bySource {
		set[s] = struct{}{}
	}
	for s := range e.newCompleted {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// dueByMetrics flags sources whose live cluster quality degraded past
// the trigger thresholds or that accumulated enough new completions
// since their last rebuild.
func (e *Engine) dueByMetrics(ctx context.Context, now time.Time) []string {
	due := make(map[string]struct{})

	e.mu.Lock()
	for s, n := range e.newCompleted {
		if n >= completionsTrigger {
			due[s] = struct{}{}
		}
	}
	e.mu.Unlock()

	snap := e.snap.Load()
	for s, cs := range snap.bySource {
		if _, d := due[s]; d {
			continue
		}
		if m := measure(cs, e.cfg.Weights); m.NoiseRatio > noiseTriggerRatio {
			due[s] = struct{}{}
		}
	}
	if len(snap.bySource) > 0 && e.scanner != nil {
		for s := range e.maeDegraded(ctx, snap, now) {
			due[s] = struct{}{}
		}
	}

	out := make([]string, 0, len(due))
	for s := range due {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// maeDegraded replays the last day of completions against the live
// clusters, source by source. A source whose mean absolute error
// exceeds maeTriggerFraction of its median cluster duration is due for
// a rebuild.
func (e *Engine) maeDegraded(ctx context.Context, snap *snapshot, now time.Time) map[string]struct{} {
	recent := make(map[string][]*race.Race)
	err := e.scanner.StreamCompleted(ctx, "", now.Add(-maeWindow), func(r *race.Race) error {
		if r.DurationSec == nil {
			return nil
		}
		if _, ok := snap.bySource[r.Source]; !ok {
			return nil
		}
		tail := append(recent[r.Source], r)
		if len(tail) > recentPerSource {
			tail = tail[1:]
		}
		recent[r.Source] = tail
		return nil
	})
	if err != nil {
		e.logger.Warn("degradation scan failed", "err", err)
		return nil
	}

	out := make(map[string]struct{})
	for source, races := range recent {
		if len(races) < minHoldout {
			continue
		}
		clusters := snap.bySource[source]
		mae, _, _, ok := predictionError(clusters, races, e.cfg.Weights)
		if !ok {
			continue
		}
		if med := medianClusterDuration(clusters); med > 0 && mae > maeTriggerFraction*med {
			e.logger.Warn("prediction error degraded",
				"source", source,
				"mae_sec", mae,
				"median_sec", med)
			out[source] = struct{}{}
		}
	}
	return out
}

// medianClusterDuration is the median of the positive cluster median
// durations, the yardstick the degradation threshold scales against.
func medianClusterDuration(clusters []*Cluster) float64 {
	var meds []float64
	for _, c := range clusters {
		if c.Stats.MedianSec > 0 {
			meds = append(meds, c.Stats.MedianSec)
		}
	}
	if len(meds) == 0 {
		return 0
	}
	sort.Float64s(meds)
	return meds[len(meds)/2]
}
