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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

var rebuildNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func mkCompletedRace(id, source, title string, meta map[string]string, start time.Time, durSec int64) *race.Race {
	d := durSec
	done := start.Add(time.Duration(durSec) * time.Second)
	return &race.Race{
		ID:          id,
		Source:      source,
		Title:       title,
		State:       race.StatePassed,
		Metadata:    meta,
		StartedAt:   start,
		CompletedAt: &done,
		DurationSec: &d,
	}
}

// twoGroupRaces returns completed races forming two well separated
// groups plus one stray one-off, in started order.
func twoGroupRaces(source string, perGroup int) []*race.Race {
	var out []*race.Race
	for i := 0; i < perGroup; i++ {
		out = append(out, mkCompletedRace(
			fmt.Sprintf("%s-build-%d", source, i), source, "build api",
			map[string]string{"branch": "main"},
			rebuildNow.Add(time.Duration(i)*time.Minute), int64(100+i)))
	}
	for i := 0; i < perGroup; i++ {
		out = append(out, mkCompletedRace(
			fmt.Sprintf("%s-suite-%d", source, i), source, "run integration suite",
			map[string]string{"suite": "full"},
			rebuildNow.Add(time.Duration(perGroup+i)*time.Minute), int64(300+i)))
	}
	out = append(out, mkCompletedRace(
		source+"-stray", source, "one off migration xyzzy",
		map[string]string{"op": "once"},
		rebuildNow.Add(time.Hour), 900))
	return out
}

func TestBuildSource(t *testing.T) {
	races := twoGroupRaces("ci", 6)

	t.Run("two groups and a catch-all", func(t *testing.T) {
		cfg := DefaultConfig().withDefaults()
		clusters, labels := buildSource("ci", races, 0.3, cfg, rebuildNow)
		require.Len(t, clusters, 3)
		require.Len(t, labels, len(races))

		byID := make(map[string]*Cluster, len(clusters))
		for _, c := range clusters {
			byID[c.ID] = c
		}
		noise := byID[NoiseID("ci")]
		require.NotNil(t, noise)
		assert.True(t, noise.Noise)
		assert.Equal(t, []string{"ci-stray"}, noise.MemberIDs)
		assert.Equal(t, labelNoise, labels[len(labels)-1])

		var build *Cluster
		for _, c := range clusters {
			if c.Title == "build api" {
				build = c
			}
		}
		require.NotNil(t, build)
		assert.Len(t, build.MemberIDs, 6)
		assert.Equal(t, 6, build.Stats.Count)
		assert.InDelta(t, 102.5, build.Stats.MedianSec, 1e-9)
		assert.InDelta(t, 0.3, build.Eps, 1e-9)
		assert.Equal(t, rebuildNow, build.BuiltAt)
		assert.Equal(t, map[string]string{"branch": "main"}, build.Meta)
	})

	t.Run("undersized groups dissolve into the catch-all", func(t *testing.T) {
		cfg := DefaultConfig().withDefaults()
		cfg.MinClusterSize = 8
		clusters, labels := buildSource("ci", races, 0.3, cfg, rebuildNow)
		require.Len(t, clusters, 1)
		assert.Equal(t, NoiseID("ci"), clusters[0].ID)
		assert.True(t, clusters[0].Noise)
		assert.Len(t, clusters[0].MemberIDs, len(races))
		for _, l := range labels {
			assert.Equal(t, labelNoise, l)
		}
	})
}

func TestAssignStableIDs(t *testing.T) {
	prev := []*Cluster{
		{ID: "ci:cluster_abc", Source: "ci", MemberIDs: []string{"a", "b", "c", "d"}},
		{ID: NoiseID("ci"), Source: "ci", Noise: true, MemberIDs: []string{"z"}},
	}

	t.Run("overlapping cluster keeps its ID", func(t *testing.T) {
		next := []*Cluster{
			{ID: "ci:cluster_0", Source: "ci", MemberIDs: []string{"a", "b", "c", "e"}},
		}
		assignStableIDs(prev, next, 0.5)
		assert.Equal(t, "ci:cluster_abc", next[0].ID)
	})

	t.Run("below tau gets a content ID", func(t *testing.T) {
		next := []*Cluster{
			{ID: "ci:cluster_0", Source: "ci", MemberIDs: []string{"a", "x", "y", "w"}},
		}
		assignStableIDs(prev, next, 0.5)
		assert.Equal(t, deterministicID("ci", next[0].MemberIDs), next[0].ID)
		assert.True(t, strings.HasPrefix(next[0].ID, "ci:cluster_"))
	})

	t.Run("catch-all keeps its well-known ID", func(t *testing.T) {
		next := []*Cluster{
			{ID: NoiseID("ci"), Source: "ci", Noise: true, MemberIDs: []string{"z", "q"}},
		}
		assignStableIDs(prev, next, 0.5)
		assert.Equal(t, NoiseID("ci"), next[0].ID)
	})

	t.Run("best overlap wins when contested", func(t *testing.T) {
		prev := []*Cluster{
			{ID: "ci:cluster_one", Source: "ci", MemberIDs: []string{"a", "b", "c", "d"}},
			{ID: "ci:cluster_two", Source: "ci", MemberIDs: []string{"c", "d", "e", "f"}},
		}
		next := []*Cluster{
			{ID: "ci:cluster_0", Source: "ci", MemberIDs: []string{"a", "b", "c", "d", "e"}},
			{ID: "ci:cluster_1", Source: "ci", MemberIDs: []string{"e", "f"}},
		}
		assignStableIDs(prev, next, 0.3)
		assert.Equal(t, "ci:cluster_one", next[0].ID)
		assert.Equal(t, "ci:cluster_two", next[1].ID)
	})
}

func TestDeterministicID(t *testing.T) {
	a := deterministicID("ci", []string{"r2", "r1", "r3"})
	assert.Equal(t, a, deterministicID("ci", []string{"r3", "r2", "r1"}),
		"member order does not matter")
	assert.True(t, strings.HasPrefix(a, "ci:cluster_"))
	assert.NotEqual(t, a, deterministicID("npm", []string{"r2", "r1", "r3"}))
	assert.NotEqual(t, a, deterministicID("ci", []string{"r1", "r2"}))
}

func TestMemberJaccard(t *testing.T) {
	set := map[string]struct{}{"a": {}, "b": {}, "c": {}}
	assert.InDelta(t, 1.0, memberJaccard(set, []string{"c", "b", "a"}), 1e-9)
	assert.InDelta(t, 0.5, memberJaccard(set, []string{"a", "b", "x"}), 1e-9)
	assert.Zero(t, memberJaccard(set, nil))
	assert.InDelta(t, 2.0/3.0, memberJaccard(set, []string{"a", "b", "a"}), 1e-9,
		"duplicate members count once")
}

func TestHoldoutFor(t *testing.T) {
	assert.Nil(t, holdoutFor(twoGroupRaces("ci", 4)), "nine races are below the floor")

	all := twoGroupRaces("ci", 6)
	assert.Len(t, holdoutFor(all), len(all))

	big := make([]*race.Race, 0, 150)
	for i := 0; i < 150; i++ {
		big = append(big, mkCompletedRace(
			fmt.Sprintf("r%d", i), "ci", "build api", nil,
			rebuildNow.Add(time.Duration(i)*time.Minute), 100))
	}
	h := holdoutFor(big)
	require.Len(t, h, maxHoldout)
	assert.Same(t, big[149], h[len(h)-1], "the most recent races are kept")
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.InDelta(t, 0.3, c.EpsRange.Lo, 1e-9)
	assert.InDelta(t, 0.5, c.EpsRange.Hi, 1e-9)
	assert.Equal(t, 3, c.MinSamples)
	assert.Equal(t, 2, c.MinClusterSize)
	assert.InDelta(t, 0.6, c.Weights.Title, 1e-9)
	assert.InDelta(t, 0.5, c.TauMatch, 1e-9)
	assert.Equal(t, 10000, c.BatchSize)
	assert.Equal(t, 7*24*time.Hour, c.RebuildInterval)
	assert.Equal(t, 10*time.Minute, c.MaxRebuildDuration)
	assert.InDelta(t, 0.30, c.Criteria.MaxNoiseRatio, 1e-9)
	assert.Equal(t, "ci", c.Rollout.PilotSource)

	tuned := Config{MinSamples: 5, BatchSize: 500}.withDefaults()
	assert.Equal(t, 5, tuned.MinSamples, "explicit values survive")
	assert.Equal(t, 500, tuned.BatchSize)
}
