// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cluster groups completed races by similarity so the prediction
// engine can estimate durations from past runs of the same kind of job.
//
// Clusters never span sources. Each source is rebuilt independently with
// DBSCAN over a title/metadata distance; the resulting cluster sets live
// behind a versioned snapshot pointer that rebuilds swap atomically.
package cluster

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// MetricVersion tags the distance definition. It participates in the
// deterministic IDs of unmatched clusters, so bumping it retires stale
// IDs after a metric change.
const MetricVersion = "v1.0.1"

// maxStatSamples bounds the FIFO of raw duration samples kept per cluster.
const maxStatSamples = 100

// DurationStats summarizes the completed-race durations of a cluster's
// members.
type DurationStats struct {
	Count     int       `json:"count"`
	MeanSec   float64   `json:"mean_sec"`
	MedianSec float64   `json:"median_sec"`
	StdSec    float64   `json:"std_sec"`
	P95Sec    float64   `json:"p95_sec"`
	P99Sec    float64   `json:"p99_sec"`
	MinSec    float64   `json:"min_sec"`
	MaxSec    float64   `json:"max_sec"`
	// Samples holds the last up-to-100 durations, oldest first.
	Samples []float64 `json:"samples,omitempty"`
}

// ComputeDurationStats builds stats from durations in arrival order.
func ComputeDurationStats(durations []float64) DurationStats {
	if len(durations) == 0 {
		return DurationStats{}
	}

	samples := durations
	if len(samples) > maxStatSamples {
		samples = samples[len(samples)-maxStatSamples:]
	}
	kept := make([]float64, len(samples))
	copy(kept, samples)

	sorted := make([]float64, len(durations))
	copy(sorted, durations)
	sort.Float64s(sorted)

	var sum float64
	for _, d := range durations {
		sum += d
	}
	mean := sum / float64(len(durations))

	var variance float64
	for _, d := range durations {
		diff := d - mean
		variance += diff * diff
	}
	variance /= float64(len(durations))

	return DurationStats{
		Count:     len(durations),
		MeanSec:   mean,
		MedianSec: medianOf(sorted),
		StdSec:    math.Sqrt(variance),
		P95Sec:    percentileOf(sorted, 0.95),
		P99Sec:    percentileOf(sorted, 0.99),
		MinSec:    sorted[0],
		MaxSec:    sorted[len(sorted)-1],
		Samples:   kept,
	}
}

// medianOf expects sorted input.
func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	mid := n / 2
	if n%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// percentileOf expects sorted input and q in (0,1].
func percentileOf(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(float64(n) * q)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Cluster is one group of similar completed races from a single source.
//
// The representative title and metadata are the medoid of the members and
// are what new races are compared against at prediction time. Member IDs
// are retained so the next rebuild can map new clusters onto stable IDs
// by membership overlap.
type Cluster struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Title     string            `json:"title"`
	Meta      map[string]string `json:"meta,omitempty"`
	Stats     DurationStats     `json:"stats"`
	MemberIDs []string          `json:"member_ids,omitempty"`
	Eps       float64           `json:"eps"`
	Noise     bool              `json:"noise,omitempty"`
	BuiltAt   time.Time         `json:"built_at"`
}

// Quantile returns the q-th quantile of the retained samples, falling
// back to the median when no raw samples were kept.
func (d *DurationStats) Quantile(q float64) float64 {
	if len(d.Samples) == 0 {
		return d.MedianSec
	}
	sorted := append([]float64(nil), d.Samples...)
	sort.Float64s(sorted)
	return percentileOf(sorted, q)
}

// MemberCount returns the number of member races.
func (c *Cluster) MemberCount() int {
	if len(c.MemberIDs) > 0 {
		return len(c.MemberIDs)
	}
	return c.Stats.Count
}

// Validate rejects records that would poison predictions when loaded
// from storage.
func (c *Cluster) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("cluster id is empty")
	}
	if c.Source == "" {
		return fmt.Errorf("cluster %s: source is empty", c.ID)
	}
	if c.Stats.MeanSec < 0 || c.Stats.MedianSec < 0 {
		return fmt.Errorf("cluster %s: negative duration stats", c.ID)
	}
	return nil
}

// NoiseID returns the catch-all cluster ID for a source. Races DBSCAN
// labels as noise are pooled here so a source average is still available.
func NoiseID(source string) string {
	return source + ":source_avg"
}

// IsNoiseID reports whether id names a source's catch-all cluster.
func IsNoiseID(id string) bool {
	const suffix = ":source_avg"
	return len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix
}

// Confidence scores a cluster-based prediction from member count and
// build recency. More members mean more evidence; old builds decay.
func (c *Cluster) Confidence(now time.Time) float64 {
	conf := 0.5 + 0.04*float64(c.MemberCount())
	if conf > 0.9 {
		conf = 0.9
	}
	age := now.Sub(c.BuiltAt)
	switch {
	case age > 30*24*time.Hour:
		conf *= 0.8
	case age > 7*24*time.Hour:
		conf *= 0.9
	}
	if conf < 0.3 {
		conf = 0.3
	}
	return conf
}
