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
	"math"
	"math/rand"
	"sort"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// Eps selection parameters. The subsample is seeded so repeated rebuilds
// over the same data pick the same eps.
const (
	epsSeed           = 42
	epsSampleFraction = 0.15
	epsSampleMin      = 50
	epsSampleMax      = 1000
	epsSmoothWindow   = 7
)

// EpsRange bounds the DBSCAN eps a rebuild may select.
type EpsRange struct {
	Lo float64 `json:"lo" yaml:"lo"`
	Hi float64 `json:"hi" yaml:"hi"`
}

// DefaultEpsRange matches the distance metric's useful band: below 0.3
// near-identical titles split apart, above 0.5 unrelated jobs merge.
func DefaultEpsRange() EpsRange {
	return EpsRange{Lo: 0.3, Hi: 0.5}
}

func (r EpsRange) valid() bool { return r.Lo > 0 && r.Hi > r.Lo }

func (r EpsRange) clamp(eps float64) float64 {
	if eps < r.Lo {
		return r.Lo
	}
	if eps > r.Hi {
		return r.Hi
	}
	return eps
}

func (r EpsRange) mid() float64 { return (r.Lo + r.Hi) / 2 }

// DetectEps picks eps for one source from the knee of its k-distance
// graph, where k is the DBSCAN min_samples. Distances to the k-th
// nearest neighbor are computed on a seeded subsample, sorted
// descending, smoothed, and the knee located with the Kneedle method.
// The result is clamped to rng; degenerate inputs fall back to the
// range midpoint.
func DetectEps(races []*race.Race, k int, rng EpsRange, sensitivity float64, w Weights) float64 {
	if !rng.valid() {
		rng = DefaultEpsRange()
	}
	if k < 1 {
		k = 1
	}
	if len(races) <= k {
		return rng.mid()
	}

	sample := epsSample(races)

	kDists := make([]float64, 0, len(sample))
	dists := make([]float64, 0, len(sample)-1)
	for i := range sample {
		dists = dists[:0]
		for j := range sample {
			if i == j {
				continue
			}
			dists = append(dists, Distance(sample[i], sample[j], w))
		}
		sort.Float64s(dists)
		idx := k - 1
		if idx >= len(dists) {
			idx = len(dists) - 1
		}
		kDists = append(kDists, dists[idx])
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(kDists)))
	smoothed := movingAverage(kDists, epsSmoothWindow)

	eps, ok := kneeKneedle(smoothed, sensitivity)
	if !ok {
		eps = smoothed[len(smoothed)/2]
	}
	return rng.clamp(eps)
}

// epsSample returns a deterministic subsample sized between epsSampleMin
// and epsSampleMax, around epsSampleFraction of the input.
func epsSample(races []*race.Race) []*race.Race {
	n := len(races)
	size := int(float64(n) * epsSampleFraction)
	if size < epsSampleMin {
		size = epsSampleMin
	}
	if size > epsSampleMax {
		size = epsSampleMax
	}
	if size >= n {
		return races
	}

	rnd := rand.New(rand.NewSource(epsSeed))
	picked := make([]*race.Race, 0, size)
	for _, idx := range rnd.Perm(n)[:size] {
		picked = append(picked, races[idx])
	}
	return picked
}

// movingAverage smooths data with a centered window, shrinking the
// window at the edges.
func movingAverage(data []float64, window int) []float64 {
	if window <= 1 || len(data) <= 2 {
		out := make([]float64, len(data))
		copy(out, data)
		return out
	}

	half := window / 2
	out := make([]float64, len(data))
	for i := range data {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half + 1
		if hi > len(data) {
			hi = len(data)
		}
		var sum float64
		for _, v := range data[lo:hi] {
			sum += v
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

// kneeKneedle finds the knee of a decreasing concave curve. Values and
// positions are normalized to [0,1], the difference from the descending
// diagonal is taken, and the first point whose difference clears
// max(diff) minus sensitivity times the mean absolute difference is the
// knee. Reports false when the curve is too flat or short to have one.
func kneeKneedle(data []float64, sensitivity float64) (float64, bool) {
	n := len(data)
	if n < 3 {
		return 0, false
	}
	if sensitivity <= 0 {
		sensitivity = 1
	}

	maxV, minV := data[0], data[0]
	for _, v := range data[1:] {
		if v > maxV {
			maxV = v
		}
		if v < minV {
			minV = v
		}
	}
	span := maxV - minV
	if span <= 0 {
		return 0, false
	}

	diffs := make([]float64, n)
	var maxDiff, absSum float64
	for i, v := range data {
		x := float64(i) / float64(n-1)
		y := (v - minV) / span
		d := y - (1 - x)
		diffs[i] = d
		if i == 0 || d > maxDiff {
			maxDiff = d
		}
		absSum += math.Abs(d)
	}

	threshold := maxDiff - sensitivity*(absSum/float64(n))
	for i, d := range diffs {
		if d >= threshold {
			return data[i], true
		}
	}
	return 0, false
}

// smoothEps blends a freshly detected eps with the previous one so a
// single skewed rebuild cannot jerk the parameter across the range.
// A zero lastEps means no history and returns eps unchanged.
func smoothEps(eps, lastEps, alpha float64, rng EpsRange) float64 {
	if lastEps <= 0 {
		return rng.clamp(eps)
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return rng.clamp(alpha*eps + (1-alpha)*lastEps)
}
