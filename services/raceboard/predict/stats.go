// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package predict estimates durations for running races. Estimates
// cascade from cluster statistics to per-source statistics to static
// bootstrap defaults, each level cheaper and less specific than the
// last.
package predict

import (
	"math"
	"sort"
	"time"
)

const (
	// maxStatSamples bounds the rolling window behind ExecutionStats.
	maxStatSamples = 20
	// maxHistorySize bounds the raw duration history kept per source.
	maxHistorySize = 100

	// anomalyZThreshold rejects samples whose modified z-score exceeds
	// it, keeping one pathological run from skewing the window.
	anomalyZThreshold = 3.5
	// madScale converts MAD-based deviations to a z-score equivalent.
	madScale = 0.6745

	// trendMinSamples is the window size below which no trend is read.
	trendMinSamples = 5
	// trendStableRate is the half-over-half change rate under which the
	// trend counts as stable.
	trendStableRate = 0.05
	// trendAdjustCap limits how far a trend may push an estimate.
	trendAdjustCap = 0.2
	// trendApplyConfidence gates trend adjustment of estimates.
	trendApplyConfidence = 0.7
)

// Trend directions.
const (
	TrendStable     = "stable"
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
)

// Trend describes how recent durations compare to earlier ones within
// the rolling window.
type Trend struct {
	Direction  string  `json:"direction"`
	Rate       float64 `json:"rate"`
	Confidence float64 `json:"confidence"`
}

// ExecutionStats keeps a rolling window of recent durations with
// derived statistics. Samples that fail the anomaly test are rejected
// rather than recorded. Not safe for concurrent use; callers hold the
// engine lock.
type ExecutionStats struct {
	Samples []float64 `json:"samples,omitempty"`
	Count   int       `json:"count"`
	MeanSec float64   `json:"mean_sec"`
	StdSec  float64   `json:"std_sec"`
	MadSec  float64   `json:"mad_sec"`
	P10Sec  float64   `json:"p10_sec"`
	P25Sec  float64   `json:"p25_sec"`
	P50Sec  float64   `json:"p50_sec"`
	P75Sec  float64   `json:"p75_sec"`
	P90Sec  float64   `json:"p90_sec"`
	P95Sec  float64   `json:"p95_sec"`
	Trend   Trend     `json:"trend"`
}

// Add records a duration sample. It returns false when the sample is
// rejected as an anomaly against the current window.
func (s *ExecutionStats) Add(durationSec float64) bool {
	if durationSec < 0 {
		return false
	}
	if len(s.Samples) >= trendMinSamples && s.isAnomaly(durationSec) {
		return false
	}

	s.Samples = append(s.Samples, durationSec)
	if len(s.Samples) > maxStatSamples {
		s.Samples = s.Samples[len(s.Samples)-maxStatSamples:]
	}
	s.recompute()
	return true
}

// isAnomaly applies a modified z-score test against the median. A MAD
// of zero means the window is flat and nothing is flagged.
func (s *ExecutionStats) isAnomaly(durationSec float64) bool {
	sorted := append([]float64(nil), s.Samples...)
	sort.Float64s(sorted)
	median := medianSorted(sorted)

	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	mad := medianSorted(deviations)
	if mad == 0 {
		return false
	}
	return madScale*math.Abs(durationSec-median)/mad > anomalyZThreshold
}

func (s *ExecutionStats) recompute() {
	n := len(s.Samples)
	s.Count = n
	if n == 0 {
		return
	}

	sorted := append([]float64(nil), s.Samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	s.MeanSec = sum / float64(n)

	var variance float64
	for _, v := range sorted {
		d := v - s.MeanSec
		variance += d * d
	}
	s.StdSec = math.Sqrt(variance / float64(n))

	median := medianSorted(sorted)
	deviations := make([]float64, n)
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	s.MadSec = medianSorted(deviations)

	s.P10Sec = percentileSorted(sorted, 0.10)
	s.P25Sec = percentileSorted(sorted, 0.25)
	s.P50Sec = percentileSorted(sorted, 0.50)
	s.P75Sec = percentileSorted(sorted, 0.75)
	s.P90Sec = percentileSorted(sorted, 0.90)
	s.P95Sec = percentileSorted(sorted, 0.95)

	s.Trend = s.computeTrend()
}

// computeTrend compares the average of the first half of the window to
// the second half.
func (s *ExecutionStats) computeTrend() Trend {
	n := len(s.Samples)
	if n < trendMinSamples {
		return Trend{Direction: TrendStable}
	}

	mid := n / 2
	var first, second float64
	for _, v := range s.Samples[:mid] {
		first += v
	}
	first /= float64(mid)
	for _, v := range s.Samples[mid:] {
		second += v
	}
	second /= float64(n - mid)

	if first <= 0 {
		return Trend{Direction: TrendStable}
	}
	rate := math.Abs(second-first) / first
	if rate < trendStableRate {
		return Trend{Direction: TrendStable, Rate: rate, Confidence: 0.8}
	}

	direction := TrendIncreasing
	if second < first {
		direction = TrendDecreasing
	}
	return Trend{Direction: direction, Rate: rate, Confidence: math.Min(rate, 0.95)}
}

// Estimate returns an ETA in seconds with its confidence. The base is
// the median, nudged by a confident trend and clamped to the
// interquartile range. ok is false when the window is empty.
func (s *ExecutionStats) Estimate() (etaSec, confidence float64, ok bool) {
	if s.Count == 0 {
		return 0, 0, false
	}

	eta := s.P50Sec
	if s.Trend.Confidence > trendApplyConfidence {
		adjust := math.Min(s.Trend.Rate, trendAdjustCap)
		switch s.Trend.Direction {
		case TrendIncreasing:
			eta *= 1 + adjust
		case TrendDecreasing:
			eta *= 1 - adjust
		}
	}
	if eta < s.P25Sec {
		eta = s.P25Sec
	}
	if eta > s.P75Sec {
		eta = s.P75Sec
	}
	return eta, s.Confidence(), true
}

// Confidence scores the window on fill level and spread, capped at
// 0.95.
func (s *ExecutionStats) Confidence() float64 {
	if s.Count == 0 {
		return 0
	}
	fill := math.Min(float64(s.Count)/float64(maxStatSamples), 1)

	cv := 1.0
	if s.MeanSec > 0 {
		cv = math.Min(s.StdSec/s.MeanSec, 1)
	}
	conf := 0.6*fill + 0.4*(1/(1+cv))
	return math.Min(conf, 0.95)
}

// medianSorted expects sorted input.
func medianSorted(sorted []float64) float64 {
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

// percentileSorted expects sorted input and q in (0,1].
func percentileSorted(sorted []float64, q float64) float64 {
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

// SourceStats aggregates completed-race durations for one source. The
// raw history feeds persistence cadence and admin reporting; the
// execution window drives estimates.
type SourceStats struct {
	Source    string         `json:"source"`
	History   []float64      `json:"history,omitempty"`
	Stats     ExecutionStats `json:"stats"`
	Total     int            `json:"total"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSourceStats returns empty stats for a source.
func NewSourceStats(source string) *SourceStats {
	return &SourceStats{Source: source}
}

// Observe records a completed duration. The raw history always grows;
// the execution window may reject the sample as an anomaly.
func (ss *SourceStats) Observe(durationSec float64, now time.Time) {
	ss.History = append(ss.History, durationSec)
	if len(ss.History) > maxHistorySize {
		ss.History = ss.History[len(ss.History)-maxHistorySize:]
	}
	ss.Total++
	ss.Stats.Add(durationSec)
	ss.UpdatedAt = now
}

// ShouldPersist reports whether this update should be written through
// to storage. Persisting every tenth observation bounds write
// amplification while keeping loss on crash small.
func (ss *SourceStats) ShouldPersist() bool {
	return ss.Total%10 == 0
}

// Clone returns a deep copy safe to hand outside the engine lock.
func (ss *SourceStats) Clone() *SourceStats {
	out := *ss
	out.History = append([]float64(nil), ss.History...)
	out.Stats.Samples = append([]float64(nil), ss.Stats.Samples...)
	return &out
}

// HistoryLen returns the retained raw history length.
func (ss *SourceStats) HistoryLen() int {
	return len(ss.History)
}
