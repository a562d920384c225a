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
	"fmt"
	"sort"
	"sync"
	"time"
)

// latencyRingSamples is how many recent samples each ring retains.
const latencyRingSamples = 10000

// Data layer latency objectives, in milliseconds.
const (
	writeP95BudgetMs = 25.0
	flushP99BudgetMs = 200.0
)

// ring is a fixed-size sample buffer. Once full, new samples overwrite
// the oldest.
type ring struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newRing(n int) *ring {
	return &ring{samples: make([]float64, n)}
}

func (r *ring) record(v float64) {
	r.mu.Lock()
	r.samples[r.next] = v
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *ring) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// percentile returns the p-th percentile of the retained samples, 0
// when none have been recorded. The index is truncated, not
// interpolated, which is plenty for alerting.
func (r *ring) percentile(p float64) float64 {
	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	sorted := append([]float64(nil), r.samples[:n]...)
	r.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Float64s(sorted)
	idx := int((p / 100) * float64(len(sorted)-1))
	return sorted[idx]
}

// SLOTracker keeps rolling write and flush latency distributions and
// checks them against the data layer objectives: write p95 within 25ms,
// flush p99 within 200ms.
type SLOTracker struct {
	write *ring
	flush *ring
}

// NewSLOTracker returns a tracker with empty rings.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		write: newRing(latencyRingSamples),
		flush: newRing(latencyRingSamples),
	}
}

// ObserveWrite records one race write commit latency.
func (t *SLOTracker) ObserveWrite(took time.Duration) {
	t.write.record(float64(took) / float64(time.Millisecond))
}

// ObserveFlush records one value log sync latency.
func (t *SLOTracker) ObserveFlush(took time.Duration) {
	t.flush.record(float64(took) / float64(time.Millisecond))
}

// LatencySummary is one ring's percentile snapshot.
type LatencySummary struct {
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
	Samples int     `json:"samples"`
}

// Violation is one objective currently out of budget.
type Violation struct {
	// SLO identifies the objective: "write_p95" or "flush_p99".
	SLO    string `json:"slo"`
	Detail string `json:"detail"`
}

// SLOReport is the storage report's latency section.
type SLOReport struct {
	Write      LatencySummary `json:"write_latency"`
	Flush      LatencySummary `json:"flush_latency"`
	Violations []Violation    `json:"violations,omitempty"`
}

func summarize(r *ring) LatencySummary {
	return LatencySummary{
		P50Ms:   r.percentile(50),
		P95Ms:   r.percentile(95),
		P99Ms:   r.percentile(99),
		Samples: r.count(),
	}
}

// Report snapshots both rings and the current violations.
func (t *SLOTracker) Report() SLOReport {
	return SLOReport{
		Write:      summarize(t.write),
		Flush:      summarize(t.flush),
		Violations: t.Violations(),
	}
}

// Violations returns the objectives currently out of budget. Empty
// rings violate nothing.
func (t *SLOTracker) Violations() []Violation {
	var out []Violation
	if t.write.count() > 0 {
		if p95 := t.write.percentile(95); p95 > writeP95BudgetMs {
			out = append(out, Violation{
				SLO:    "write_p95",
				Detail: fmt.Sprintf("write latency p95 (%.2fms) exceeds SLO (%.0fms)", p95, writeP95BudgetMs),
			})
		}
	}
	if t.flush.count() > 0 {
		if p99 := t.flush.percentile(99); p99 > flushP99BudgetMs {
			out = append(out, Violation{
				SLO:    "flush_p99",
				Detail: fmt.Sprintf("flush latency p99 (%.2fms) exceeds SLO (%.0fms)", p99, flushP99BudgetMs),
			})
		}
	}
	return out
}
