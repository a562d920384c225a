// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor watches the data layer from the outside: a periodic
// census of active and persisted races, capacity and
// clustering-sufficiency warnings, latency SLO tracking, operator
// alerting, and an optional InfluxDB completion sink. Nothing here sits
// on a hot path; the census reads counters other components maintain.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/raceboard/services/raceboard/active"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
	"github.com/AleutianAI/raceboard/services/raceboard/storage"
	"github.com/AleutianAI/raceboard/services/raceboard/telemetry"
)

// lowSourceWarnCount is the per-source race count below which the
// census calls out the source by name.
const lowSourceWarnCount = 100

// ActiveSource is the live-set view the census reads. *active.Store
// satisfies it.
type ActiveSource interface {
	List() []*race.Race
	Stats() active.Stats
}

// HistorySource is the persisted view the census reads. *storage.Store
// satisfies it.
type HistorySource interface {
	ScanRaces(ctx context.Context, q storage.ScanQuery) (*storage.ScanResult, error)
	Health() storage.Health
}

// Config tunes the monitor.
type Config struct {
	// Interval is the census cadence. Default 60s.
	Interval time.Duration

	// MaxActive is the active store capacity, used for the usage
	// percentage. Default 1000.
	MaxActive int

	// MinClusterRaces is the per-source completion count needed before
	// clustering output is considered trustworthy. Default 1000.
	MinClusterRaces int

	// LargeDBBytes is the database size that draws a warning.
	// Default 1GB.
	LargeDBBytes int64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.MaxActive <= 0 {
		c.MaxActive = 1000
	}
	if c.MinClusterRaces <= 0 {
		c.MinClusterRaces = 1000
	}
	if c.LargeDBBytes <= 0 {
		c.LargeDBBytes = 1_000_000_000
	}
	return c
}

// StorageHealth is one census result, served on health and admin
// surfaces.
type StorageHealth struct {
	CheckedAt time.Time `json:"checked_at"`

	// ActiveRaces counts the live set; UsagePercent is against
	// MaxActive, the cap past which insertions evict.
	ActiveRaces  int     `json:"active_races"`
	MaxActive    int     `json:"max_active"`
	UsagePercent float64 `json:"usage_percent"`

	// TotalRaces counts distinct known races. Completed races live in
	// the persisted set and running ones only in the live set, so the
	// census merges per source, letting the larger count win.
	TotalRaces    int            `json:"total_races"`
	RacesBySource map[string]int `json:"races_by_source"`

	PersistenceHealthy bool  `json:"persistence_healthy"`
	ReadOnly           bool  `json:"read_only"`
	DBSizeBytes        int64 `json:"db_size_bytes"`

	EvictionCount uint64     `json:"eviction_count"`
	LastEviction  *time.Time `json:"last_eviction,omitempty"`

	ClusterDataSufficient bool `json:"cluster_data_sufficient"`
	MinRacesForClustering int  `json:"min_races_for_clustering"`

	Warnings       []string `json:"warnings,omitempty"`
	CriticalErrors []string `json:"critical_errors,omitempty"`
}

// Monitor runs the storage census and owns the SLO tracker. Health is
// safe for concurrent use; the census itself runs on one goroutine.
type Monitor struct {
	cfg     Config
	active  ActiveSource
	history HistorySource
	alerts  *AlertSystem
	metrics *telemetry.Metrics
	slo     *SLOTracker
	logger  *slog.Logger

	mu     sync.RWMutex
	health StorageHealth

	// Latches below are owned by the census goroutine.
	lastEvictions     uint64
	lastFlushFailures uint64
	lastCorrupt       uint64
	lastSerialize     uint64
	lastEviction      *time.Time
	sloViolating      bool
}

// New builds a monitor. alerts and metrics may be nil; the census then
// only logs.
func New(cfg Config, act ActiveSource, hist HistorySource, alerts *AlertSystem, metrics *telemetry.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		active:  act,
		history: hist,
		alerts:  alerts,
		metrics: metrics,
		slo:     NewSLOTracker(),
		logger:  logger.With("component", "monitor"),
	}
}

// SLO returns the latency tracker so write and flush paths can feed it.
func (m *Monitor) SLO() *SLOTracker {
	return m.slo
}

// Health returns the latest census result. Before the first census the
// zero value is returned with CheckedAt unset.
func (m *Monitor) Health() StorageHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.health
	h.RacesBySource = make(map[string]int, len(m.health.RacesBySource))
	for k, v := range m.health.RacesBySource {
		h.RacesBySource[k] = v
	}
	h.Warnings = append([]string(nil), m.health.Warnings...)
	h.CriticalErrors = append([]string(nil), m.health.CriticalErrors...)
	if m.health.LastEviction != nil {
		t := *m.health.LastEviction
		h.LastEviction = &t
	}
	return h
}

// Run takes a census immediately, then on every interval until the
// context ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("storage monitor running", "interval", m.cfg.Interval)
	m.census(ctx, time.Now())

	tick := time.NewTicker(m.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			m.census(ctx, time.Now())
		}
	}
}

// census rebuilds the StorageHealth snapshot at now and fires alerts
// for anything that crossed a threshold since the previous census.
func (m *Monitor) census(ctx context.Context, now time.Time) {
	h := StorageHealth{
		CheckedAt:             now,
		MaxActive:             m.cfg.MaxActive,
		MinRacesForClustering: m.cfg.MinClusterRaces,
		RacesBySource:         make(map[string]int),
	}

	// Live set.
	live := m.active.List()
	h.ActiveRaces = len(live)
	h.UsagePercent = float64(h.ActiveRaces) / float64(h.MaxActive) * 100
	liveBySource := make(map[string]int)
	for _, r := range live {
		liveBySource[r.Source]++
	}

	// Persisted census, paged through the time index.
	q := storage.ScanQuery{Limit: 1000}
	for {
		res, err := m.history.ScanRaces(ctx, q)
		if err != nil {
			h.CriticalErrors = append(h.CriticalErrors,
				fmt.Sprintf("historic census failed: %v", err))
			m.logger.Error("historic census scan failed", "err", err)
			break
		}
		for _, r := range res.Races {
			h.RacesBySource[r.Source]++
			h.TotalRaces++
		}
		if res.NextCursor == "" {
			break
		}
		q.Cursor = res.NextCursor
	}
	for src, n := range liveBySource {
		if n > h.RacesBySource[src] {
			h.TotalRaces += n - h.RacesBySource[src]
			h.RacesBySource[src] = n
		}
	}

	// Capacity.
	switch {
	case h.UsagePercent > 90:
		h.Warnings = append(h.Warnings,
			fmt.Sprintf("active store at %.1f%% capacity, evictions imminent", h.UsagePercent))
	case h.UsagePercent > 75:
		h.Warnings = append(h.Warnings,
			fmt.Sprintf("active store at %.1f%% capacity", h.UsagePercent))
	}

	// Clustering sufficiency, by source in stable order.
	sources := make([]string, 0, len(h.RacesBySource))
	for src := range h.RacesBySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	sufficient := 0
	for _, src := range sources {
		n := h.RacesBySource[src]
		if n >= m.cfg.MinClusterRaces {
			sufficient++
		} else if n < lowSourceWarnCount {
			h.Warnings = append(h.Warnings,
				fmt.Sprintf("source %q has only %d races, clustering needs %d+", src, n, m.cfg.MinClusterRaces))
		}
	}
	h.ClusterDataSufficient = sufficient > 0
	if !h.ClusterDataSufficient {
		h.CriticalErrors = append(h.CriticalErrors,
			fmt.Sprintf("no source has the %d+ races clustering needs", m.cfg.MinClusterRaces))
	}

	// Persistence probe.
	sh := m.history.Health()
	h.ReadOnly = sh.ReadOnly
	h.DBSizeBytes = sh.SizeBytes
	h.PersistenceHealthy = !sh.ReadOnly && !sh.NeedsRepair
	if sh.ReadOnly {
		h.CriticalErrors = append(h.CriticalErrors, "storage is read-only, mutations are rejected")
	}
	if sh.NeedsRepair {
		h.Warnings = append(h.Warnings, "time index needs repair")
	}
	if sh.SizeBytes > m.cfg.LargeDBBytes {
		h.Warnings = append(h.Warnings,
			fmt.Sprintf("database is large: %d MB", sh.SizeBytes/1_000_000))
	}
	if delta := sh.FlushFailures - m.lastFlushFailures; delta > 0 {
		m.lastFlushFailures = sh.FlushFailures
		h.PersistenceHealthy = false
		h.CriticalErrors = append(h.CriticalErrors,
			fmt.Sprintf("%d flush failures since the last check", delta))
		m.alerts.Critical(ctx, fmt.Sprintf(
			"storage flush failing: %d failures since the last check, recent writes may not survive a crash", delta))
		if m.metrics != nil {
			m.metrics.FlushFailuresTotal.Add(ctx, int64(delta))
		}
	}
	if delta := sh.CorruptSkipped - m.lastCorrupt; delta > 0 {
		m.lastCorrupt = sh.CorruptSkipped
		h.Warnings = append(h.Warnings,
			fmt.Sprintf("%d corrupt records skipped since the last check", delta))
	}
	if delta := sh.SerializeFailures - m.lastSerialize; delta > 0 {
		m.lastSerialize = sh.SerializeFailures
		h.Warnings = append(h.Warnings,
			fmt.Sprintf("%d records failed to encode since the last check", delta))
		if m.metrics != nil {
			m.metrics.SerializeFailuresTotal.Add(ctx, int64(delta))
		}
	}

	// Evictions are data loss: completed work the clusterer never sees.
	stats := m.active.Stats()
	h.EvictionCount = stats.Evictions
	if delta := stats.Evictions - m.lastEvictions; delta > 0 {
		m.lastEvictions = stats.Evictions
		at := now
		m.lastEviction = &at
		h.CriticalErrors = append(h.CriticalErrors,
			fmt.Sprintf("%d races evicted since the last check, completed work was lost", delta))
		m.logger.Error("active store evicted races",
			"evicted", delta, "total", stats.Evictions)
		m.alerts.Critical(ctx, fmt.Sprintf(
			"DATA LOSS: %d races evicted from the active set (total %d); cluster rebuilds lose accuracy with every dropped completion",
			delta, stats.Evictions))
		if m.metrics != nil {
			m.metrics.EvictionsTotal.Add(ctx, int64(delta))
		}
	}
	if m.lastEviction != nil {
		at := *m.lastEviction
		h.LastEviction = &at
	}

	// Latency SLOs. The alert latches on the first violating census
	// and re-arms once everything is back within budget.
	viol := m.slo.Violations()
	for _, v := range viol {
		h.Warnings = append(h.Warnings, v.Detail)
	}
	switch {
	case len(viol) > 0 && !m.sloViolating:
		m.sloViolating = true
		details := make([]string, len(viol))
		for i, v := range viol {
			details[i] = v.Detail
		}
		m.alerts.Critical(ctx, "SLO violation: "+strings.Join(details, "; "))
		if m.metrics != nil {
			for _, v := range viol {
				m.metrics.SLOViolationsTotal.Add(ctx, 1,
					metric.WithAttributes(attribute.String("slo", v.SLO)))
			}
		}
	case len(viol) == 0 && m.sloViolating:
		m.sloViolating = false
		m.logger.Info("latency SLOs back within budget")
	}

	m.mu.Lock()
	m.health = h
	m.mu.Unlock()

	if len(h.CriticalErrors) > 0 {
		m.logger.Error("storage health critical", "errors", h.CriticalErrors)
	}
	if len(h.Warnings) > 0 {
		m.logger.Warn("storage health warnings", "warnings", h.Warnings)
	}
	clustering := "insufficient"
	if h.ClusterDataSufficient {
		clustering = "sufficient"
	}
	m.logger.Info("storage health",
		"active", h.ActiveRaces,
		"total", h.TotalRaces,
		"usage_pct", fmt.Sprintf("%.1f", h.UsagePercent),
		"evictions", h.EvictionCount,
		"clustering", clustering)
}
