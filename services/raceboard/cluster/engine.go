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
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// Meta names this subsystem owns in the store's meta partition.
const (
	metaRolloutKey = "rollout"
	metaLastEpsKey = "cluster/last_eps"
)

// rebuildConcurrency bounds how many sources rebuild in parallel.
const rebuildConcurrency = 4

// ErrRebuildRunning is returned when a rebuild is requested while one
// is already in flight.
var ErrRebuildRunning = errors.New("cluster rebuild already running")

// Scanner streams completed races out of storage. The walk must visit
// races in started_at order and honor context cancellation.
type Scanner interface {
	StreamCompleted(ctx context.Context, source string, since time.Time, fn func(*race.Race) error) error
}

// Persister writes accepted cluster sets and rebuild state back to
// storage.
type Persister interface {
	ReplaceClusters(ctx context.Context, source string, clusters []*Cluster) error
	SetMeta(ctx context.Context, name string, v any) error
	GetMeta(ctx context.Context, name string, out any) error
}

// snapshot is one immutable generation of the cluster sets. Readers
// load the pointer once and keep working against that generation while
// rebuilds publish the next one.
type snapshot struct {
	version  uint64
	bySource map[string][]*Cluster
	total    int
}

// Result reports one source's rebuild outcome.
type Result struct {
	Source   string   `json:"source"`
	Accepted bool     `json:"accepted"`
	Skipped  bool     `json:"skipped,omitempty"`
	Races    int      `json:"races"`
	Clusters int      `json:"clusters"`
	Eps      float64  `json:"eps,omitempty"`
	Metrics  Metrics  `json:"metrics"`
	Failures []string `json:"failures,omitempty"`
}

// Engine owns the live cluster sets and rebuilds them from completed
// races. Predictions read through Nearest against an immutable
// snapshot; rebuilds construct, validate, and atomically swap in the
// next snapshot, so readers never see a partial set.
type Engine struct {
	cfg     Config
	scanner Scanner
	store   Persister
	logger  *slog.Logger
	rollout *Rollout

	snap atomic.Pointer[snapshot]

	mu           sync.Mutex
	lastEps      map[string]float64
	lastRebuild  map[string]time.Time
	newCompleted map[string]int
	lastMetrics  map[string]Metrics

	building atomic.Bool
}

// NewEngine wires the engine to its storage access. scanner and store
// may be nil for prediction-only use; Rebuild then has nothing to read
// and nothing survives a restart.
func NewEngine(cfg Config, scanner Scanner, store Persister, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:          cfg.withDefaults(),
		scanner:      scanner,
		store:        store,
		logger:       logger,
		lastEps:      make(map[string]float64),
		lastRebuild:  make(map[string]time.Time),
		newCompleted: make(map[string]int),
		lastMetrics:  make(map[string]Metrics),
	}
	e.rollout = NewRollout(e.cfg.Rollout, logger)
	e.snap.Store(&snapshot{bySource: make(map[string][]*Cluster)})
	return e
}

// Rollout exposes the phase controller for admin endpoints.
func (e *Engine) Rollout() *Rollout { return e.rollout }

// Install publishes an externally loaded cluster set, replacing the
// whole snapshot. Used at boot with the persisted clusters. Each
// source's newest build time seeds the rebuild schedule so a restart
// does not force an immediate rebuild.
func (e *Engine) Install(clusters []*Cluster) {
	bySource := make(map[string][]*Cluster)
	total := 0
	for _, c := range clusters {
		if c == nil {
			continue
		}
		bySource[c.Source] = append(bySource[c.Source], c)
		total++
	}
	for _, cs := range bySource {
		sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
	}

	old := e.snap.Load()
	e.snap.Store(&snapshot{version: old.version + 1, bySource: bySource, total: total})

	e.mu.Lock()
	for source, cs := range bySource {
		var latest time.Time
		for _, c := range cs {
			if c.BuiltAt.After(latest) {
				latest = c.BuiltAt
			}
		}
		if !latest.IsZero() {
			e.lastRebuild[source] = latest
		}
	}
	e.mu.Unlock()

	e.logger.Info("cluster snapshot installed", "clusters", total, "sources", len(bySource))
}

// Restore pulls persisted eps history and rollout state from the
// store. Absent state means first boot and is not an error.
func (e *Engine) Restore(ctx context.Context) {
	if e.store == nil {
		return
	}

	var lastEps map[string]float64
	if err := e.store.GetMeta(ctx, metaLastEpsKey, &lastEps); err != nil {
		if !errors.Is(err, race.ErrNotFound) {
			e.logger.Warn("load eps state failed", "err", err)
		}
	} else if len(lastEps) > 0 {
		e.mu.Lock()
		e.lastEps = lastEps
		e.mu.Unlock()
	}

	var st RolloutState
	if err := e.store.GetMeta(ctx, metaRolloutKey, &st); err != nil {
		if !errors.Is(err, race.ErrNotFound) {
			e.logger.Warn("load rollout state failed", "err", err)
		}
	} else {
		e.rollout.Restore(st)
	}
}

// Nearest finds the closest proper cluster of the race's source. The
// catch-all noise cluster never matches; sources without clusters
// report false and the prediction cascade falls through.
func (e *Engine) Nearest(r *race.Race) (*Cluster, float64, bool) {
	snap := e.snap.Load()
	var best *Cluster
	bestDist := math.MaxFloat64
	for _, c := range snap.bySource[r.Source] {
		if c.Noise {
			continue
		}
		if d := c.DistanceTo(r, e.cfg.Weights); d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestDist, true
}

// Version identifies the current snapshot generation.
func (e *Engine) Version() uint64 { return e.snap.Load().version }

// Clusters returns the current snapshot's clusters, sorted by ID.
func (e *Engine) Clusters() []*Cluster {
	snap := e.snap.Load()
	out := make([]*Cluster, 0, snap.total)
	for _, cs := range snap.bySource {
		out = append(out, cs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClustersFor returns one source's clusters from the current snapshot.
func (e *Engine) ClustersFor(source string) []*Cluster {
	return e.snap.Load().bySource[source]
}

// NotifyCompletion counts a completed race toward the volume-based
// rebuild trigger.
func (e *Engine) NotifyCompletion(source string) {
	if source == "" {
		return
	}
	e.mu.Lock()
	e.newCompleted[source]++
	e.mu.Unlock()
}

// Rebuild reclusters the given sources, or every discovered source
// when none are named. Each source is rebuilt, validated, and recorded
// independently; all accepted sources are published in a single
// snapshot swap at the end so readers see at most one generation
// change. The whole job runs under the configured wall-clock budget,
// and an exhausted budget leaves the incumbent snapshot untouched.
func (e *Engine) Rebuild(ctx context.Context, sources []string, now time.Time) ([]Result, error) {
	if e.scanner == nil {
		return nil, errors.New("cluster engine has no scanner")
	}
	if !e.building.CompareAndSwap(false, true) {
		return nil, ErrRebuildRunning
	}
	defer e.building.Store(false)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.MaxRebuildDuration)
	defer cancel()

	if len(sources) == 0 {
		var err error
		if sources, err = e.discoverSources(ctx); err != nil {
			return nil, fmt.Errorf("discover sources: %w", err)
		}
	}
	if len(sources) == 0 {
		return nil, nil
	}
	e.rollout.RegisterSources(sources)
	e.rollout.ApplyPhaseDefaults()

	cfg := e.phaseConfig()
	results := make([]Result, len(sources))
	staged := make([][]*Cluster, len(sources))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for i, source := range sources {
		i, source := i, source // Capture loop variables

		g.Go(func() error {
			res, next := e.rebuildSource(gCtx, source, cfg, now)
			results[i] = res
			staged[i] = next
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		e.logger.Warn("cluster rebuild aborted", "err", err)
		return results, fmt.Errorf("cluster rebuild aborted: %w", err)
	}

	swap := make(map[string][]*Cluster)
	allAttemptedPassed := true
	for i, res := range results {
		if staged[i] != nil {
			swap[res.Source] = staged[i]
		}
		if !res.Skipped && !res.Accepted {
			allAttemptedPassed = false
		}
	}
	if len(swap) > 0 {
		version := e.swapSources(swap)
		e.logger.Info("cluster snapshot swapped", "version", version, "sources", len(swap))
		if allAttemptedPassed {
			if phase, advanced := e.rollout.TryAdvance(); advanced {
				e.logger.Info("rollout phase advanced", "phase", phase)
			}
		}
	}
	e.persistState(ctx)
	return results, nil
}

// rebuildSource runs the full pipeline for one source: scan, eps
// selection, clustering, stable ID mapping, validation, persistence.
// The returned clusters are non-nil only when the rebuild was accepted.
func (e *Engine) rebuildSource(ctx context.Context, source string, cfg Config, now time.Time) (Result, []*Cluster) {
	res := Result{Source: source}
	if !e.rollout.Enabled(source) {
		res.Skipped = true
		return res, nil
	}

	races, err := e.collectSource(ctx, source, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res.Skipped = true
			return res, nil
		}
		res.Failures = []string{fmt.Sprintf("scan: %v", err)}
		e.rollout.Record(source, false, Metrics{})
		return res, nil
	}
	res.Races = len(races)
	if len(races) <= cfg.MinSamples {
		res.Skipped = true
		e.logger.Debug("rebuild skipped, too few completed races", "source", source, "races", len(races))
		return res, nil
	}

	scfg := cfg
	scfg.MinSamples = e.tunedMinSamples(source, cfg.MinSamples)

	detected := DetectEps(races, scfg.MinSamples, scfg.EpsRange, scfg.KneedleSensitivity, scfg.Weights)
	e.mu.Lock()
	last := e.lastEps[source]
	e.mu.Unlock()
	eps := smoothEps(detected, last, scfg.EpsSmoothing, scfg.EpsRange)
	res.Eps = eps

	next, labels := buildSource(source, races, eps, scfg, now)
	prev := e.ClustersFor(source)
	assignStableIDs(prev, next, scfg.TauMatch)

	m, failures := Validate(prev, next, holdoutFor(races), scfg.Criteria, scfg.Weights)
	m.Silhouette = silhouetteSampled(races, labels, scfg.Weights)
	res.Metrics = m
	res.Clusters = len(next)

	if len(failures) == 0 && e.store != nil {
		if err := e.store.ReplaceClusters(ctx, source, next); err != nil {
			failures = append(failures, fmt.Sprintf("persist: %v", err))
		}
	}
	res.Failures = failures
	res.Accepted = len(failures) == 0
	e.rollout.Record(source, res.Accepted, m)

	if !res.Accepted {
		e.logger.Warn("cluster rebuild rejected",
			"source", source,
			"races", len(races),
			"failures", strings.Join(failures, "; "))
		return res, nil
	}

	e.mu.Lock()
	e.lastEps[source] = eps
	e.lastRebuild[source] = now
	e.newCompleted[source] = 0
	e.lastMetrics[source] = m
	e.mu.Unlock()

	e.logger.Info("cluster rebuild accepted",
		"source", source,
		"races", len(races),
		"clusters", len(next),
		"eps", eps,
		"noise_ratio", m.NoiseRatio,
		"silhouette", m.Silhouette)
	return res, next
}

// collectSource streams one source's completed races through the
// rollout gate into a bounded ring, keeping the most recent
// MaxSourceRaces. Races come back in started_at order.
func (e *Engine) collectSource(ctx context.Context, source string, cfg Config) ([]*race.Race, error) {
	buf := make([]*race.Race, 0, 1024)
	head := 0
	full := false
	seen := 0

	err := e.scanner.StreamCompleted(ctx, source, time.Time{}, func(r *race.Race) error {
		if r.DurationSec == nil {
			return nil
		}
		if !e.rollout.ShouldInclude(source, r.ID) {
			return nil
		}
		seen++
		if seen%cfg.BatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.logger.Debug("rebuild scan progress", "source", source, "races", seen)
		}
		if !full {
			buf = append(buf, r)
			full = len(buf) == cfg.MaxSourceRaces
			return nil
		}
		buf[head] = r
		head = (head + 1) % cfg.MaxSourceRaces
		return nil
	})
	if err != nil {
		return nil, err
	}
	if full && head > 0 {
		ordered := make([]*race.Race, 0, len(buf))
		ordered = append(ordered, buf[head:]...)
		ordered = append(ordered, buf[:head]...)
		return ordered, nil
	}
	return buf, nil
}

// discoverSources walks the completed-race index once and collects the
// distinct sources.
func (e *Engine) discoverSources(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	err := e.scanner.StreamCompleted(ctx, "", time.Time{}, func(r *race.Race) error {
		set[r.Source] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sources := make([]string, 0, len(set))
	for s := range set {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources, nil
}

// swapSources publishes rebuilt sources in one snapshot generation.
// Sources not in the swap keep their incumbent clusters.
func (e *Engine) swapSources(swap map[string][]*Cluster) uint64 {
	old := e.snap.Load()
	bySource := make(map[string][]*Cluster, len(old.bySource)+len(swap))
	for s, cs := range old.bySource {
		bySource[s] = cs
	}
	for s, cs := range swap {
		sorted := append([]*Cluster(nil), cs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
		bySource[s] = sorted
	}

	total := 0
	for _, cs := range bySource {
		total += len(cs)
	}
	next := &snapshot{version: old.version + 1, bySource: bySource, total: total}
	e.snap.Store(next)
	return next.version
}

// phaseConfig applies the conservative middle-phase parameters: a
// stricter core requirement and room for Kneedle to pick a tighter
// eps.
func (e *Engine) phaseConfig() Config {
	cfg := e.cfg
	if e.rollout.Phase() == PhaseAllConservative {
		cfg.MinSamples++
		lo := cfg.EpsRange.Lo - 0.05
		if lo < 0.2 {
			lo = 0.2
		}
		cfg.EpsRange.Lo = lo
	}
	return cfg
}

// tunedMinSamples nudges one source's min_samples in the automatic
// tuning phase, based on its last accepted rebuild: persistent noise
// loosens the core requirement, a very clean build tightens it.
func (e *Engine) tunedMinSamples(source string, base int) int {
	if e.rollout.Phase() != PhaseAutoTuning {
		return base
	}
	e.mu.Lock()
	m, ok := e.lastMetrics[source]
	e.mu.Unlock()
	if !ok {
		return base
	}
	switch {
	case m.NoiseRatio > 0.25 && base > 2:
		return base - 1
	case m.NoiseRatio < 0.05 && base < 5:
		return base + 1
	}
	return base
}

// persistState writes eps history and rollout position through the
// store so a restart resumes where the rollout left off. Failures are
// logged and retried on the next rebuild.
func (e *Engine) persistState(ctx context.Context) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	lastEps := make(map[string]float64, len(e.lastEps))
	for k, v := range e.lastEps {
		lastEps[k] = v
	}
	e.mu.Unlock()

	if err := e.store.SetMeta(ctx, metaLastEpsKey, lastEps); err != nil {
		e.logger.Warn("persist eps state failed", "err", err)
	}
	if err := e.store.SetMeta(ctx, metaRolloutKey, e.rollout.State()); err != nil {
		e.logger.Warn("persist rollout state failed", "err", err)
	}
}
