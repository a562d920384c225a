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
	"github.com/coder/hnsw"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// DBSCAN point labels. Non-negative labels are cluster numbers.
const (
	labelUnclassified = -1
	labelNoise        = -2
)

// annThreshold is the source size above which neighbor queries go
// through an HNSW index instead of a full scan per point.
const annThreshold = 1000

// annCandidateFactor scales min_samples into the candidate count asked
// of the index. Every candidate is rechecked with the exact metric, so
// the factor only risks missing neighbors, never admitting false ones.
const annCandidateFactor = 2

// dbscan labels n points by BFS seed expansion. neighbors(i) must
// return the eps-neighborhood of point i including i itself; a point is
// a core point when that neighborhood reaches minSamples. Noise points
// reachable from a later core point are promoted to border members.
func dbscan(n, minSamples int, neighbors func(int) []int) []int {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = labelUnclassified
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != labelUnclassified {
			continue
		}
		seed := neighbors(i)
		if len(seed) < minSamples {
			labels[i] = labelNoise
			continue
		}

		labels[i] = next
		queue := append([]int(nil), seed...)
		for head := 0; head < len(queue); head++ {
			j := queue[head]
			if labels[j] == labelNoise {
				// Border point: in reach of a core point but not
				// core itself.
				labels[j] = next
				continue
			}
			if labels[j] != labelUnclassified {
				continue
			}
			labels[j] = next
			reach := neighbors(j)
			if len(reach) >= minSamples {
				queue = append(queue, reach...)
			}
		}
		next++
	}
	return labels
}

// neighborFinder returns an eps-neighborhood function over races, all
// from one source. Small sources scan every pair; larger ones query an
// HNSW index over race vectors and recheck candidates with the exact
// distance, so ANN recall loss can drop neighbors but never invent
// them.
func neighborFinder(races []*race.Race, eps float64, w Weights, minSamples int) func(int) []int {
	if len(races) <= annThreshold {
		return func(i int) []int {
			out := []int{i}
			for j := range races {
				if j == i {
					continue
				}
				if Distance(races[i], races[j], w) <= eps {
					out = append(out, j)
				}
			}
			return out
		}
	}

	graph := hnsw.NewGraph[int]()
	graph.Distance = hnsw.EuclideanDistance
	vecs := make([][]float32, len(races))
	for i, r := range races {
		vecs[i], _ = RaceVector(r)
		graph.Add(hnsw.MakeNode(i, vecs[i]))
	}

	k := minSamples * annCandidateFactor
	if k < 2 {
		k = 2
	}
	if k > len(races) {
		k = len(races)
	}

	return func(i int) []int {
		out := []int{i}
		for _, node := range graph.Search(vecs[i], k) {
			j := node.Key
			if j == i {
				continue
			}
			if Distance(races[i], races[j], w) <= eps {
				out = append(out, j)
			}
		}
		return out
	}
}
