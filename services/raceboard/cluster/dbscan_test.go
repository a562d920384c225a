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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// adjacency builds a neighbor function from an explicit adjacency
// list, always including the point itself.
func adjacency(adj map[int][]int) func(int) []int {
	return func(i int) []int {
		return append([]int{i}, adj[i]...)
	}
}

func TestDBSCANGroupsAndNoise(t *testing.T) {
	// Two triangles and one isolated point.
	adj := map[int][]int{
		0: {1, 2}, 1: {0, 2}, 2: {0, 1},
		3: {4, 5}, 4: {3, 5}, 5: {3, 4},
		6: {},
	}
	labels := dbscan(7, 3, adjacency(adj))
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, labelNoise}, labels)
}

func TestDBSCANBorderPromotion(t *testing.T) {
	// Point 0 has too few neighbors to be core and is first marked
	// noise, then reclaimed as a border member of 1's cluster.
	adj := map[int][]int{
		0: {1}, 1: {0, 2, 3}, 2: {1, 3}, 3: {1, 2},
	}
	labels := dbscan(4, 3, adjacency(adj))
	assert.Equal(t, []int{0, 0, 0, 0}, labels)
}

func TestDBSCANEmpty(t *testing.T) {
	assert.Empty(t, dbscan(0, 3, adjacency(nil)))
}

func TestNeighborFinderBrute(t *testing.T) {
	meta := map[string]string{"branch": "main"}
	races := []*race.Race{
		mkClusterRace("a1", "ci", "build api", meta),
		mkClusterRace("a2", "ci", "build api", meta),
		mkClusterRace("b1", "ci", "totally different deploy pipeline", map[string]string{"stage": "prod"}),
	}
	nf := neighborFinder(races, 0.3, DefaultWeights(), 3)
	assert.ElementsMatch(t, []int{0, 1}, nf(0))
	assert.ElementsMatch(t, []int{0, 1}, nf(1))
	assert.ElementsMatch(t, []int{2}, nf(2))
}

func TestDBSCANWithNeighborFinder(t *testing.T) {
	var races []*race.Race
	for i := 0; i < 5; i++ {
		races = append(races, mkClusterRace(
			fmt.Sprintf("a%d", i), "ci", "build api",
			map[string]string{"branch": "main"}))
	}
	for i := 0; i < 5; i++ {
		races = append(races, mkClusterRace(
			fmt.Sprintf("b%d", i), "ci", "run integration suite",
			map[string]string{"suite": "full"}))
	}
	races = append(races, mkClusterRace("x", "ci", "one off migration xyzzy",
		map[string]string{"op": "once"}))

	labels := dbscan(len(races), 3, neighborFinder(races, 0.3, DefaultWeights(), 3))
	assert.Equal(t, labels[0], labels[4], "first group clusters together")
	assert.Equal(t, labels[5], labels[9], "second group clusters together")
	assert.NotEqual(t, labels[0], labels[5], "groups stay apart")
	assert.Equal(t, labelNoise, labels[10], "the one-off is noise")
}
