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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// maxMedoidTitles caps the quadratic medoid search; larger clusters use
// their most recent titles.
const maxMedoidTitles = 100

// Holdout sizing for rebuild validation. Sources with fewer completed
// races than minHoldout skip the prediction-error gates.
const (
	minHoldout = 10
	maxHoldout = 100
)

// Config tunes clustering and the rebuild pipeline. Zero values take
// defaults, so a partially filled Config from the config file is safe.
type Config struct {
	EpsRange           EpsRange      `json:"eps_range" yaml:"eps_range"`
	MinSamples         int           `json:"min_samples" yaml:"min_samples"`
	MinClusterSize     int           `json:"min_cluster_size" yaml:"min_cluster_size"`
	Weights            Weights       `json:"weights" yaml:"weights"`
	TauMatch           float64       `json:"tau_match" yaml:"tau_match"`
	KneedleSensitivity float64       `json:"kneedle_sensitivity" yaml:"kneedle_sensitivity"`
	EpsSmoothing       float64       `json:"eps_ema_smoothing" yaml:"eps_ema_smoothing"`
	BatchSize          int           `json:"batch_size" yaml:"batch_size"`
	MaxSourceRaces     int           `json:"max_source_races" yaml:"max_source_races"`
	RebuildInterval    time.Duration `json:"rebuild_interval" yaml:"rebuild_interval"`
	MaxRebuildDuration time.Duration `json:"max_rebuild_duration" yaml:"max_rebuild_duration"`
	Criteria           Criteria      `json:"criteria" yaml:"criteria"`
	Rollout            RolloutConfig `json:"rollout" yaml:"rollout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EpsRange:           DefaultEpsRange(),
		MinSamples:         3,
		MinClusterSize:     2,
		Weights:            DefaultWeights(),
		TauMatch:           0.5,
		KneedleSensitivity: 1.0,
		EpsSmoothing:       0.2,
		BatchSize:          10000,
		MaxSourceRaces:     50000,
		RebuildInterval:    7 * 24 * time.Hour,
		MaxRebuildDuration: 10 * time.Minute,
		Criteria:           DefaultCriteria(),
		Rollout:            DefaultRolloutConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !c.EpsRange.valid() {
		c.EpsRange = d.EpsRange
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = d.MinClusterSize
	}
	if c.Weights.Title+c.Weights.Meta <= 0 {
		c.Weights = d.Weights
	}
	if c.TauMatch <= 0 || c.TauMatch > 1 {
		c.TauMatch = d.TauMatch
	}
	if c.KneedleSensitivity <= 0 {
		c.KneedleSensitivity = d.KneedleSensitivity
	}
	if c.EpsSmoothing <= 0 || c.EpsSmoothing > 1 {
		c.EpsSmoothing = d.EpsSmoothing
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxSourceRaces <= 0 {
		c.MaxSourceRaces = d.MaxSourceRaces
	}
	if c.RebuildInterval <= 0 {
		c.RebuildInterval = d.RebuildInterval
	}
	if c.MaxRebuildDuration <= 0 {
		c.MaxRebuildDuration = d.MaxRebuildDuration
	}
	c.Criteria = c.Criteria.withDefaults()
	c.Rollout = c.Rollout.withDefaults()
	return c
}

// buildSource clusters one source's completed races at the given eps.
// It returns the new cluster set, noise pooled into the source's
// catch-all, and the final label of each race (labelNoise for catch-all
// members). IDs are provisional until assignStableIDs maps them onto
// the incumbent set.
func buildSource(source string, races []*race.Race, eps float64, cfg Config, now time.Time) ([]*Cluster, []int) {
	labels := dbscan(len(races), cfg.MinSamples, neighborFinder(races, eps, cfg.Weights, cfg.MinSamples))

	groups := make(map[int][]int)
	for i, l := range labels {
		if l >= 0 {
			groups[l] = append(groups[l], i)
		}
	}

	// Undersized groups dissolve into the catch-all.
	order := make([]int, 0, len(groups))
	for l, members := range groups {
		if len(members) < cfg.MinClusterSize {
			for _, i := range members {
				labels[i] = labelNoise
			}
			delete(groups, l)
			continue
		}
		order = append(order, l)
	}
	sort.Ints(order)

	clusters := make([]*Cluster, 0, len(order)+1)
	for _, l := range order {
		c := assembleCluster(source, races, groups[l], eps, now)
		c.ID = fmt.Sprintf("%s:cluster_%d", source, l)
		clusters = append(clusters, c)
	}

	var noise []int
	for i, l := range labels {
		if l < 0 {
			labels[i] = labelNoise
			noise = append(noise, i)
		}
	}
	if len(noise) > 0 {
		c := assembleCluster(source, races, noise, eps, now)
		c.ID = NoiseID(source)
		c.Noise = true
		clusters = append(clusters, c)
	}

	return clusters, labels
}

// assembleCluster builds one cluster record from member indices, which
// arrive in started_at order so the stats sample FIFO keeps the most
// recent durations.
func assembleCluster(source string, races []*race.Race, members []int, eps float64, now time.Time) *Cluster {
	ids := make([]string, 0, len(members))
	titles := make([]string, 0, len(members))
	metas := make([]map[string]string, 0, len(members))
	durations := make([]float64, 0, len(members))
	for _, i := range members {
		r := races[i]
		ids = append(ids, r.ID)
		titles = append(titles, r.Title)
		metas = append(metas, r.Metadata)
		if r.DurationSec != nil && *r.DurationSec >= 0 {
			durations = append(durations, float64(*r.DurationSec))
		}
	}

	if len(titles) > maxMedoidTitles {
		titles = titles[len(titles)-maxMedoidTitles:]
	}

	return &Cluster{
		Source:    source,
		Title:     MedoidTitle(titles),
		Meta:      RepresentativeMeta(metas),
		Stats:     ComputeDurationStats(durations),
		MemberIDs: ids,
		Eps:       eps,
		BuiltAt:   now,
	}
}

// assignStableIDs carries incumbent cluster IDs over to the new set by
// member overlap, so references and persisted stats survive a rebuild.
// Pairs with Jaccard overlap of at least tauMatch are matched greedily
// by descending overlap with a lexicographic tiebreak; anything left
// gets a deterministic ID derived from its membership. The catch-all
// keeps its well-known ID.
func assignStableIDs(prev, next []*Cluster, tauMatch float64) {
	type edge struct {
		weight float64
		oldID  string
		newIdx int
	}

	var edges []edge
	for _, old := range prev {
		if old.Noise || IsNoiseID(old.ID) {
			continue
		}
		oldSet := make(map[string]struct{}, len(old.MemberIDs))
		for _, id := range old.MemberIDs {
			oldSet[id] = struct{}{}
		}
		for ni, n := range next {
			if n.Noise {
				continue
			}
			if j := memberJaccard(oldSet, n.MemberIDs); j >= tauMatch {
				edges = append(edges, edge{weight: j, oldID: old.ID, newIdx: ni})
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].weight != edges[j].weight {
			return edges[i].weight > edges[j].weight
		}
		if edges[i].oldID != edges[j].oldID {
			return edges[i].oldID < edges[j].oldID
		}
		return edges[i].newIdx < edges[j].newIdx
	})

	usedOld := make(map[string]struct{})
	matched := make(map[int]struct{})
	for _, e := range edges {
		if _, taken := usedOld[e.oldID]; taken {
			continue
		}
		if _, done := matched[e.newIdx]; done {
			continue
		}
		usedOld[e.oldID] = struct{}{}
		matched[e.newIdx] = struct{}{}
		next[e.newIdx].ID = e.oldID
	}

	for ni, n := range next {
		if n.Noise {
			continue
		}
		if _, done := matched[ni]; done {
			continue
		}
		n.ID = deterministicID(n.Source, n.MemberIDs)
	}
}

// deterministicID hashes sorted membership so an unmatched cluster gets
// the same ID on every rebuild that produces it. The metric version is
// folded in so a distance change retires stale IDs.
func deterministicID(source string, memberIDs []string) string {
	sorted := append([]string(nil), memberIDs...)
	sort.Strings(sorted)
	h := xxhash.Sum64String(source + ":" + strings.Join(sorted, ",") + ":" + MetricVersion)
	return fmt.Sprintf("%s:cluster_%x", source, h)
}

func memberJaccard(a map[string]struct{}, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	bSet := make(map[string]struct{}, len(b))
	for _, id := range b {
		if _, dup := bSet[id]; dup {
			continue
		}
		bSet[id] = struct{}{}
		if _, ok := a[id]; ok {
			inter++
		}
	}
	union := len(a) + len(bSet) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// holdoutFor picks the most recent completed races for validating a
// rebuild's predictions. Returns nil when the source is too small for
// the error gates to mean anything.
func holdoutFor(races []*race.Race) []*race.Race {
	if len(races) < minHoldout {
		return nil
	}
	cut := len(races) - maxHoldout
	if cut < 0 {
		cut = 0
	}
	return races[cut:]
}
