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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addAll(t *testing.T, s *ExecutionStats, samples ...float64) {
	t.Helper()
	for _, v := range samples {
		require.True(t, s.Add(v), "sample %v unexpectedly rejected", v)
	}
}

func TestExecutionStatsAdd(t *testing.T) {
	var s ExecutionStats

	assert.False(t, s.Add(-1), "negative durations are invalid")
	assert.Equal(t, 0, s.Count)

	addAll(t, &s, 10, 20, 30)
	assert.Equal(t, 3, s.Count)
	assert.InDelta(t, 20, s.MeanSec, 1e-9)
	assert.InDelta(t, 20, s.P50Sec, 1e-9)
}

func TestExecutionStatsWindowCap(t *testing.T) {
	var s ExecutionStats
	for i := 0; i < 30; i++ {
		s.Add(100)
	}
	assert.Equal(t, maxStatSamples, s.Count)
	assert.Len(t, s.Samples, maxStatSamples)
}

func TestAnomalyRejection(t *testing.T) {
	var s ExecutionStats
	addAll(t, &s, 10, 11, 12, 13, 14)

	// Modified z-score of 100 against this window is far past the
	// threshold.
	assert.False(t, s.Add(100))
	assert.Equal(t, 5, s.Count)

	// A near-median sample still gets in.
	assert.True(t, s.Add(13))
	assert.Equal(t, 6, s.Count)
}

func TestFlatWindowNeverFlagsAnomalies(t *testing.T) {
	var s ExecutionStats
	addAll(t, &s, 10, 10, 10, 10, 10)

	// MAD is zero here; the test is undefined, so nothing is rejected.
	assert.True(t, s.Add(1000))
	assert.Equal(t, 6, s.Count)
}

func TestAnomalyGateNeedsFullSeed(t *testing.T) {
	var s ExecutionStats
	// With fewer than five samples, even wild values are accepted; the
	// window is still learning.
	addAll(t, &s, 10, 10000, 10, 10000)
	assert.Equal(t, 4, s.Count)
}

func TestTrend(t *testing.T) {
	tests := []struct {
		name      string
		samples   []float64
		direction string
	}{
		{"increasing", []float64{10, 10, 10, 20, 20, 20}, TrendIncreasing},
		{"decreasing", []float64{20, 20, 20, 10, 10, 10}, TrendDecreasing},
		{"stable", []float64{10, 10.2, 10.1, 10, 10.3, 10.1}, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s ExecutionStats
			addAll(t, &s, tt.samples...)
			assert.Equal(t, tt.direction, s.Trend.Direction)
		})
	}

	t.Run("too few samples reads stable", func(t *testing.T) {
		var s ExecutionStats
		addAll(t, &s, 10, 100, 10, 100)
		assert.Equal(t, TrendStable, s.Trend.Direction)
		assert.Zero(t, s.Trend.Confidence)
	})
}

func TestEstimate(t *testing.T) {
	t.Run("empty window", func(t *testing.T) {
		var s ExecutionStats
		_, _, ok := s.Estimate()
		assert.False(t, ok)
	})

	t.Run("median without confident trend", func(t *testing.T) {
		var s ExecutionStats
		addAll(t, &s, 10, 12, 11, 13, 12, 11)
		eta, conf, ok := s.Estimate()
		require.True(t, ok)
		assert.InDelta(t, s.P50Sec, eta, 1e-9)
		assert.Greater(t, conf, 0.0)
	})

	t.Run("confident trend is capped and clamped to IQR", func(t *testing.T) {
		var s ExecutionStats
		addAll(t, &s, 10, 10, 18, 18, 18)
		require.Equal(t, TrendIncreasing, s.Trend.Direction)
		require.Greater(t, s.Trend.Confidence, trendApplyConfidence)

		// The 20% upward nudge on the median (18) overshoots P75, so the
		// estimate pins to P75.
		eta, _, ok := s.Estimate()
		require.True(t, ok)
		assert.InDelta(t, s.P75Sec, eta, 1e-9)
		assert.InDelta(t, 18, eta, 1e-9)
	})
}

func TestConfidence(t *testing.T) {
	var s ExecutionStats
	assert.Zero(t, s.Confidence())

	// A full, perfectly flat window is as good as it gets.
	for i := 0; i < maxStatSamples; i++ {
		s.Add(10)
	}
	assert.InDelta(t, 0.95, s.Confidence(), 1e-9)

	var partial ExecutionStats
	addAll(t, &partial, 10, 10, 10, 10, 10)
	assert.InDelta(t, 0.6*0.25+0.4, partial.Confidence(), 1e-9)
}

func TestSourceStatsObserve(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ss := NewSourceStats("gitlab")

	for i := 0; i < 5; i++ {
		ss.Observe(10, now)
	}
	// The raw history keeps anomalies that the execution window rejects.
	ss.Observe(10000, now)
	assert.Equal(t, 6, ss.HistoryLen())
	assert.Equal(t, 6, ss.Total)
	assert.Equal(t, 6, ss.Stats.Count, "flat window accepts the outlier")

	ss2 := NewSourceStats("cmd")
	addTo := func(v float64) { ss2.Observe(v, now) }
	addTo(10)
	addTo(11)
	addTo(12)
	addTo(13)
	addTo(14)
	addTo(9999)
	assert.Equal(t, 6, ss2.HistoryLen())
	assert.Equal(t, 5, ss2.Stats.Count, "outlier rejected from the window")
}

func TestSourceStatsHistoryRing(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ss := NewSourceStats("npm")
	for i := 0; i < maxHistorySize+5; i++ {
		ss.Observe(30, now)
	}
	assert.Equal(t, maxHistorySize, ss.HistoryLen())
	assert.Equal(t, maxHistorySize+5, ss.Total)
}

func TestShouldPersistEveryTenth(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ss := NewSourceStats("gitlab")

	persisted := 0
	for i := 0; i < 25; i++ {
		ss.Observe(10, now)
		if ss.ShouldPersist() {
			persisted++
		}
	}
	assert.Equal(t, 2, persisted)
}

func TestSourceStatsClone(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ss := NewSourceStats("gitlab")
	ss.Observe(10, now)
	ss.Observe(20, now)

	c := ss.Clone()
	c.History[0] = 999
	c.Stats.Samples[0] = 999
	c.Total = 42

	assert.InDelta(t, 10, ss.History[0], 1e-9)
	assert.InDelta(t, 10, ss.Stats.Samples[0], 1e-9)
	assert.Equal(t, 2, ss.Total)
}
