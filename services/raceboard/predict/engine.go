// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package predict

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/raceboard/services/raceboard/cluster"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// minClusterConfidence gates the cluster level of the cascade; a match
// scored at or below it falls through to source statistics.
const minClusterConfidence = 0.3

// ClusterIndex finds the nearest cluster for a race. The clustering
// engine implements it over its current snapshot; a nil index disables
// the cluster level.
type ClusterIndex interface {
	Nearest(r *race.Race) (c *cluster.Cluster, distance float64, ok bool)
}

// StatsWriter persists source statistics. The storage layer implements
// it; a nil writer keeps the engine memory-only.
type StatsWriter interface {
	PutSourceStats(ctx context.Context, ss *SourceStats) error
}

// Config tunes the cascade.
type Config struct {
	// MaxClusterDistance is the farthest cluster match still accepted.
	MaxClusterDistance float64 `json:"max_cluster_distance" yaml:"max_cluster_distance"`
	// MinSourceSamples is the history size below which source statistics
	// are not trusted.
	MinSourceSamples int `json:"min_source_samples" yaml:"min_source_samples"`
	// Bootstrap maps source families to default durations in seconds.
	Bootstrap map[string]int64 `json:"bootstrap" yaml:"bootstrap"`
	// BootstrapDefaultSec covers sources absent from the table.
	BootstrapDefaultSec int64 `json:"bootstrap_default_sec" yaml:"bootstrap_default_sec"`
}

// DefaultConfig returns the stock cascade tuning.
func DefaultConfig() Config {
	return Config{
		MaxClusterDistance: 0.3,
		MinSourceSamples:   5,
		Bootstrap: map[string]int64{
			"cargo":       45,
			"npm":         30,
			"claude-code": 60,
		},
		BootstrapDefaultSec: 30,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxClusterDistance <= 0 {
		c.MaxClusterDistance = d.MaxClusterDistance
	}
	if c.MinSourceSamples <= 0 {
		c.MinSourceSamples = d.MinSourceSamples
	}
	if c.Bootstrap == nil {
		c.Bootstrap = d.Bootstrap
	}
	if c.BootstrapDefaultSec <= 0 {
		c.BootstrapDefaultSec = d.BootstrapDefaultSec
	}
	return c
}

// Estimate is one prediction with its provenance and spread.
type Estimate struct {
	EtaSec     int64          `json:"eta_sec"`
	Confidence float64        `json:"confidence"`
	Source     race.EtaSource `json:"eta_source"`
	ClusterID  string         `json:"cluster_id,omitempty"`
	LowerSec   int64          `json:"lower_sec"`
	UpperSec   int64          `json:"upper_sec"`
}

// Engine runs the prediction cascade and accumulates per-source
// statistics from completed races. Safe for concurrent use.
type Engine struct {
	cfg    Config
	index  ClusterIndex
	store  StatsWriter
	logger *slog.Logger

	mu      sync.RWMutex
	sources map[string]*SourceStats
}

// NewEngine wires the cascade. index and store may be nil.
func NewEngine(cfg Config, index ClusterIndex, store StatsWriter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		index:   index,
		store:   store,
		logger:  logger,
		sources: make(map[string]*SourceStats),
	}
}

// LoadSources replaces the in-memory source statistics, typically with
// what storage had at boot.
func (e *Engine) LoadSources(m map[string]*SourceStats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = make(map[string]*SourceStats, len(m))
	for source, ss := range m {
		if ss == nil {
			continue
		}
		e.sources[source] = ss.Clone()
	}
}

// Predict estimates how long the race will take.
//
// The cascade tries three levels in order: the nearest cluster when it
// is close and confident enough, then source statistics once at least
// MinSourceSamples completions were seen, then the bootstrap table. It
// always returns an estimate.
func (e *Engine) Predict(r *race.Race, now time.Time) Estimate {
	if e.index != nil {
		if c, dist, ok := e.index.Nearest(r); ok && dist <= e.cfg.MaxClusterDistance && c.Stats.Count > 0 {
			if conf := c.Confidence(now); conf > minClusterConfidence {
				return Estimate{
					EtaSec:     int64(math.Round(c.Stats.MedianSec)),
					Confidence: conf,
					Source:     race.EtaSourceCluster,
					ClusterID:  c.ID,
					LowerSec:   int64(c.Stats.Quantile(0.25)),
					UpperSec:   int64(c.Stats.Quantile(0.75)),
				}
			}
		}
	}

	if est, ok := e.sourceEstimate(r.Source); ok {
		return est
	}

	eta := e.cfg.BootstrapDefaultSec
	if v, ok := e.cfg.Bootstrap[r.Source]; ok {
		eta = v
	}
	return Estimate{
		EtaSec:     eta,
		Confidence: 0.2,
		Source:     race.EtaSourceBootstrap,
		LowerSec:   eta / 2,
		UpperSec:   eta * 2,
	}
}

func (e *Engine) sourceEstimate(source string) (Estimate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ss := e.sources[source]
	if ss == nil || ss.HistoryLen() < e.cfg.MinSourceSamples {
		return Estimate{}, false
	}
	eta, conf, ok := ss.Stats.Estimate()
	if !ok {
		return Estimate{}, false
	}

	// Source-level estimates are deliberately capped below cluster-level
	// ones; they average dissimilar jobs.
	src := race.EtaSourceBootstrap
	if race.InferEtaSource(source) == race.EtaSourceAdapter {
		src = race.EtaSourceAdapter
	}
	return Estimate{
		EtaSec:     int64(math.Round(eta)),
		Confidence: math.Min(conf*0.7, 0.6),
		Source:     src,
		LowerSec:   int64(ss.Stats.P25Sec),
		UpperSec:   int64(ss.Stats.P75Sec),
	}, true
}

// ObserveCompletion feeds one completed duration into the source
// statistics and writes them through every tenth observation.
func (e *Engine) ObserveCompletion(ctx context.Context, source string, durationSec float64, now time.Time) {
	if source == "" || durationSec < 0 {
		return
	}

	e.mu.Lock()
	ss := e.sources[source]
	if ss == nil {
		ss = NewSourceStats(source)
		e.sources[source] = ss
	}
	ss.Observe(durationSec, now)

	var snapshot *SourceStats
	if e.store != nil && ss.ShouldPersist() {
		snapshot = ss.Clone()
	}
	e.mu.Unlock()

	if snapshot == nil {
		return
	}
	if err := e.store.PutSourceStats(ctx, snapshot); err != nil {
		e.logger.Warn("failed to persist source stats",
			"source", source, "error", err)
	}
}

// SourceStats returns a copy of one source's statistics.
func (e *Engine) SourceStats(source string) (*SourceStats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ss, ok := e.sources[source]
	if !ok {
		return nil, false
	}
	return ss.Clone(), true
}

// AllSourceStats returns a copy of every source's statistics, keyed by
// source.
func (e *Engine) AllSourceStats() map[string]*SourceStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*SourceStats, len(e.sources))
	for source, ss := range e.sources {
		out[source] = ss.Clone()
	}
	return out
}
