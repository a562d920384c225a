// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPercentiles(t *testing.T) {
	tr := NewSLOTracker()
	for i := 1; i <= 100; i++ {
		tr.ObserveWrite(time.Duration(i) * time.Millisecond)
	}

	rep := tr.Report()
	assert.Equal(t, 100, rep.Write.Samples)
	assert.InDelta(t, 50.0, rep.Write.P50Ms, 0.001)
	assert.InDelta(t, 95.0, rep.Write.P95Ms, 0.001)
	assert.InDelta(t, 99.0, rep.Write.P99Ms, 0.001)
	assert.Equal(t, 0, rep.Flush.Samples)
}

func TestRingWrapsAroundAtCapacity(t *testing.T) {
	r := newRing(4)
	for i := 1; i <= 6; i++ {
		r.record(float64(i))
	}

	// Samples 1 and 2 were overwritten; 3..6 remain.
	assert.Equal(t, 4, r.count())
	assert.InDelta(t, 3.0, r.percentile(0), 0.001)
	assert.InDelta(t, 6.0, r.percentile(100), 0.001)
}

func TestEmptyTrackerHasNoViolations(t *testing.T) {
	tr := NewSLOTracker()

	assert.Empty(t, tr.Violations())
	rep := tr.Report()
	assert.Zero(t, rep.Write.P95Ms)
	assert.Zero(t, rep.Flush.P99Ms)
	assert.Empty(t, rep.Violations)
}

func TestWithinBudgetHasNoViolations(t *testing.T) {
	tr := NewSLOTracker()
	for i := 0; i < 50; i++ {
		tr.ObserveWrite(5 * time.Millisecond)
		tr.ObserveFlush(50 * time.Millisecond)
	}

	assert.Empty(t, tr.Violations())
}

func TestWriteP95Violation(t *testing.T) {
	tr := NewSLOTracker()
	for i := 0; i < 10; i++ {
		tr.ObserveWrite(30 * time.Millisecond)
	}

	viol := tr.Violations()
	require.Len(t, viol, 1)
	assert.Equal(t, "write_p95", viol[0].SLO)
	assert.Contains(t, viol[0].Detail, "write latency p95")
	assert.Contains(t, viol[0].Detail, "exceeds SLO (25ms)")
}

func TestFlushP99Violation(t *testing.T) {
	tr := NewSLOTracker()
	for i := 0; i < 10; i++ {
		tr.ObserveFlush(250 * time.Millisecond)
	}

	viol := tr.Violations()
	require.Len(t, viol, 1)
	assert.Equal(t, "flush_p99", viol[0].SLO)
	assert.Contains(t, viol[0].Detail, "flush latency p99")
}

func TestBothViolationsReported(t *testing.T) {
	tr := NewSLOTracker()
	for i := 0; i < 10; i++ {
		tr.ObserveWrite(40 * time.Millisecond)
		tr.ObserveFlush(300 * time.Millisecond)
	}

	viol := tr.Violations()
	require.Len(t, viol, 2)
	assert.Equal(t, "write_p95", viol[0].SLO)
	assert.Equal(t, "flush_p99", viol[1].SLO)
}

func TestViolationClearsAsTailAges(t *testing.T) {
	tr := NewSLOTracker()
	for i := 0; i < 10; i++ {
		tr.ObserveWrite(40 * time.Millisecond)
	}
	require.Len(t, tr.Violations(), 1)

	// Fill the whole ring with fast writes; the slow tail falls out.
	for i := 0; i < latencyRingSamples; i++ {
		tr.ObserveWrite(time.Millisecond)
	}
	assert.Empty(t, tr.Violations())
}
