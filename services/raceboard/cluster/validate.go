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
	"math"
	"math/rand"
	"sort"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// silhouetteSample caps the quadratic silhouette estimate.
const silhouetteSample = 100

// predictionTolerance is the relative error under which a holdout
// prediction counts as a success.
const predictionTolerance = 0.2

// Criteria are the acceptance gates for a rebuilt cluster set. A
// rebuild failing any gate is discarded and the incumbent set stays.
type Criteria struct {
	MaxNoiseRatio  float64 `json:"max_noise_ratio" yaml:"max_noise_ratio"`
	MinCohesion    float64 `json:"min_cohesion" yaml:"min_cohesion"`
	MinSeparation  float64 `json:"min_separation" yaml:"min_separation"`
	MaxMAEIncrease float64 `json:"max_mae_increase" yaml:"max_mae_increase"`
}

// DefaultCriteria allows at most 30% noise, requires cohesion 0.7, and
// rejects rebuilds whose holdout MAE regresses more than 20% against
// the incumbent.
func DefaultCriteria() Criteria {
	return Criteria{
		MaxNoiseRatio:  0.30,
		MinCohesion:    0.7,
		MinSeparation:  0.1,
		MaxMAEIncrease: 0.2,
	}
}

func (c Criteria) withDefaults() Criteria {
	d := DefaultCriteria()
	if c.MaxNoiseRatio <= 0 {
		c.MaxNoiseRatio = d.MaxNoiseRatio
	}
	if c.MinCohesion <= 0 {
		c.MinCohesion = d.MinCohesion
	}
	if c.MinSeparation <= 0 {
		c.MinSeparation = d.MinSeparation
	}
	if c.MaxMAEIncrease <= 0 {
		c.MaxMAEIncrease = d.MaxMAEIncrease
	}
	return c
}

// Metrics describes a cluster set, including how its predictions fare
// against a holdout and how it compares to the incumbent set.
type Metrics struct {
	ClusterCount      int     `json:"cluster_count"`
	AvgClusterSize    float64 `json:"avg_cluster_size"`
	SingletonClusters int     `json:"singleton_clusters"`
	NoiseRatio        float64 `json:"noise_ratio"`
	Cohesion          float64 `json:"cohesion"`
	Separation        float64 `json:"separation"`
	Silhouette        float64 `json:"silhouette"`
	ARI               float64 `json:"ari"`
	MAE               float64 `json:"mae"`
	P90Error          float64 `json:"p90_error"`
	SuccessRate       float64 `json:"success_rate"`
	MAEIncrease       float64 `json:"mae_increase"`
}

// Validate gates a rebuilt set against the incumbent. An empty
// incumbent is a bootstrap and always passes; there is nothing to
// regress from. Returned failures are empty when the rebuild is
// acceptable.
func Validate(prev, next []*Cluster, holdout []*race.Race, crit Criteria, w Weights) (Metrics, []string) {
	m := measure(next, w)
	m.ARI = membershipARI(prev, next)

	maeGate := false
	if len(holdout) >= minHoldout {
		if mae, p90, success, ok := predictionError(next, holdout, w); ok {
			m.MAE = mae
			m.P90Error = p90
			m.SuccessRate = success
			if oldMAE, _, _, okOld := predictionError(prev, holdout, w); okOld && oldMAE > 0 {
				m.MAEIncrease = (mae - oldMAE) / oldMAE
				maeGate = true
			}
		}
	}

	if len(prev) == 0 {
		return m, nil
	}

	var failures []string
	if m.NoiseRatio > crit.MaxNoiseRatio {
		failures = append(failures, fmt.Sprintf("noise ratio %.2f exceeds %.2f", m.NoiseRatio, crit.MaxNoiseRatio))
	}
	if m.Cohesion < crit.MinCohesion {
		failures = append(failures, fmt.Sprintf("cohesion %.2f below %.2f", m.Cohesion, crit.MinCohesion))
	}
	if m.Separation < crit.MinSeparation {
		failures = append(failures, fmt.Sprintf("separation %.2f below %.2f", m.Separation, crit.MinSeparation))
	}
	if maeGate && m.MAEIncrease > crit.MaxMAEIncrease {
		failures = append(failures, fmt.Sprintf("holdout MAE regressed %.0f%%, limit %.0f%%", m.MAEIncrease*100, crit.MaxMAEIncrease*100))
	}
	return m, failures
}

// measure computes the structural metrics of a cluster set.
func measure(clusters []*Cluster, w Weights) Metrics {
	m := Metrics{ClusterCount: len(clusters), Separation: 1, ARI: 1}
	if len(clusters) == 0 {
		return m
	}

	total := 0
	noise := 0
	proper := 0
	for _, c := range clusters {
		n := c.MemberCount()
		total += n
		if c.Noise || IsNoiseID(c.ID) {
			noise += n
			continue
		}
		proper++
		if n == 1 {
			m.SingletonClusters++
		}
	}
	m.AvgClusterSize = float64(total) / float64(len(clusters))
	if total > 0 {
		m.NoiseRatio = float64(noise) / float64(total)
	}
	// Cohesion judges fragmentation of the proper clusters. The
	// catch-all is judged by the noise ratio, not counted as a
	// singleton here.
	m.Cohesion = 1
	if proper > 0 {
		m.Cohesion = 1 - float64(m.SingletonClusters)/float64(proper)
	}
	m.Separation = separation(clusters, w)
	return m
}

// separation is the smallest representative distance between two
// proper clusters. One or zero proper clusters cannot collide, so
// that degenerates to 1.
func separation(clusters []*Cluster, w Weights) float64 {
	proper := make([]*Cluster, 0, len(clusters))
	for _, c := range clusters {
		if c.Noise || IsNoiseID(c.ID) {
			continue
		}
		proper = append(proper, c)
	}
	if len(proper) < 2 {
		return 1
	}

	minDist := 1.0
	for i := 0; i < len(proper); i++ {
		for j := i + 1; j < len(proper); j++ {
			d := pairDistance(proper[i].Title, proper[i].Meta, proper[j].Title, proper[j].Meta, w)
			if d < minDist {
				minDist = d
			}
		}
	}
	return minDist
}

// predictionError scores a cluster set's median-duration predictions
// against completed holdout races. Success means within 20% of the
// actual duration.
func predictionError(clusters []*Cluster, holdout []*race.Race, w Weights) (mae, p90, successRate float64, ok bool) {
	if len(clusters) == 0 {
		return 0, 0, 0, false
	}

	var errs []float64
	successes := 0
	for _, r := range holdout {
		if r.DurationSec == nil {
			continue
		}
		var best *Cluster
		bestDist := math.MaxFloat64
		for _, c := range clusters {
			if d := c.DistanceTo(r, w); d < bestDist {
				best, bestDist = c, d
			}
		}
		if best == nil {
			continue
		}
		actual := float64(*r.DurationSec)
		e := math.Abs(best.Stats.MedianSec - actual)
		errs = append(errs, e)
		if e <= predictionTolerance*actual {
			successes++
		}
	}
	if len(errs) == 0 {
		return 0, 0, 0, false
	}

	var sum float64
	for _, e := range errs {
		sum += e
	}
	sort.Float64s(errs)
	return sum / float64(len(errs)), percentileOf(errs, 0.9), float64(successes) / float64(len(errs)), true
}

// silhouetteSampled estimates the mean silhouette over a seeded sample
// of clustered points. Noise points are excluded; fewer than two
// proper clusters score zero.
func silhouetteSampled(races []*race.Race, labels []int, w Weights) float64 {
	byLabel := make(map[int][]int)
	var clustered []int
	for i, l := range labels {
		if l < 0 {
			continue
		}
		byLabel[l] = append(byLabel[l], i)
		clustered = append(clustered, i)
	}
	if len(byLabel) < 2 || len(clustered) < 2 {
		return 0
	}

	sample := clustered
	if len(sample) > silhouetteSample {
		rnd := rand.New(rand.NewSource(epsSeed))
		picked := make([]int, 0, silhouetteSample)
		for _, idx := range rnd.Perm(len(clustered))[:silhouetteSample] {
			picked = append(picked, clustered[idx])
		}
		sample = picked
	}

	var sum float64
	counted := 0
	for _, i := range sample {
		own := labels[i]
		a, aOK := meanDistTo(races, i, byLabel[own], w)

		b := math.MaxFloat64
		for l, members := range byLabel {
			if l == own {
				continue
			}
			if d, ok := meanDistTo(races, i, members, w); ok && d < b {
				b = d
			}
		}
		if !aOK || b == math.MaxFloat64 {
			continue
		}

		denom := math.Max(a, b)
		if denom > 0 {
			sum += (b - a) / denom
		}
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}

// meanDistTo averages the distance from point i to members, skipping i
// itself. Reports false when members holds nothing but i.
func meanDistTo(races []*race.Race, i int, members []int, w Weights) (float64, bool) {
	var sum float64
	n := 0
	for _, j := range members {
		if j == i {
			continue
		}
		sum += Distance(races[i], races[j], w)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// membershipARI computes the adjusted Rand index between the incumbent
// and new assignments over the races both sets contain. Disjoint or
// trivial overlaps score 1 so the comparison never blocks a rebuild on
// missing data.
func membershipARI(prev, next []*Cluster) float64 {
	prevLabel := make(map[string]int)
	for li, c := range prev {
		for _, id := range c.MemberIDs {
			prevLabel[id] = li
		}
	}

	var a, b []int
	for ni, c := range next {
		for _, id := range c.MemberIDs {
			if pl, ok := prevLabel[id]; ok {
				a = append(a, pl)
				b = append(b, ni)
			}
		}
	}
	return adjustedRandIndex(a, b)
}

// adjustedRandIndex over two parallel label vectors, contingency-table
// form. Vacuous inputs score 1.
func adjustedRandIndex(a, b []int) float64 {
	n := len(a)
	if n != len(b) || n < 2 {
		return 1
	}

	cells := make(map[[2]int]int)
	rows := make(map[int]int)
	cols := make(map[int]int)
	for i := 0; i < n; i++ {
		cells[[2]int{a[i], b[i]}]++
		rows[a[i]]++
		cols[b[i]]++
	}

	var index, rowSum, colSum float64
	for _, c := range cells {
		index += comb2(c)
	}
	for _, c := range rows {
		rowSum += comb2(c)
	}
	for _, c := range cols {
		colSum += comb2(c)
	}

	expected := rowSum * colSum / comb2(n)
	maxIndex := (rowSum + colSum) / 2
	if maxIndex == expected {
		return 1
	}
	return (index - expected) / (maxIndex - expected)
}

func comb2(n int) float64 {
	return float64(n) * float64(n-1) / 2
}
