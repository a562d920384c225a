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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

func mkClusterRace(id, source, title string, meta map[string]string) *race.Race {
	return &race.Race{
		ID:        id,
		Source:    source,
		Title:     title,
		State:     race.StateRunning,
		Metadata:  meta,
		StartedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestComputeDurationStats(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := ComputeDurationStats(nil)
		assert.Zero(t, s.Count)
		assert.Zero(t, s.MedianSec)
	})

	t.Run("basic", func(t *testing.T) {
		s := ComputeDurationStats([]float64{10, 20, 30, 40, 50})
		assert.Equal(t, 5, s.Count)
		assert.InDelta(t, 30, s.MeanSec, 1e-9)
		assert.InDelta(t, 30, s.MedianSec, 1e-9)
		assert.InDelta(t, 14.1421356, s.StdSec, 1e-6)
		assert.InDelta(t, 10, s.MinSec, 1e-9)
		assert.InDelta(t, 50, s.MaxSec, 1e-9)
		assert.InDelta(t, 50, s.P95Sec, 1e-9)
		assert.Len(t, s.Samples, 5)
	})

	t.Run("sample retention is capped", func(t *testing.T) {
		durations := make([]float64, maxStatSamples+50)
		for i := range durations {
			durations[i] = float64(i)
		}
		s := ComputeDurationStats(durations)
		assert.Equal(t, len(durations), s.Count, "stats cover everything")
		assert.Len(t, s.Samples, maxStatSamples, "raw samples keep only the tail")
		assert.InDelta(t, 50, s.Samples[0], 1e-9)
	})
}

func TestDurationStatsQuantile(t *testing.T) {
	s := ComputeDurationStats([]float64{10, 20, 30, 40})
	assert.InDelta(t, 20, s.Quantile(0.25), 1e-9)
	assert.InDelta(t, 40, s.Quantile(0.75), 1e-9)

	empty := DurationStats{MedianSec: 77}
	assert.InDelta(t, 77, empty.Quantile(0.25), 1e-9)
}

func TestClusterValidate(t *testing.T) {
	ok := &Cluster{ID: "gitlab:cluster_0", Source: "gitlab"}
	assert.NoError(t, ok.Validate())

	assert.Error(t, (&Cluster{Source: "gitlab"}).Validate())
	assert.Error(t, (&Cluster{ID: "x"}).Validate())
	assert.Error(t, (&Cluster{
		ID:     "x",
		Source: "gitlab",
		Stats:  DurationStats{MedianSec: -1},
	}).Validate())
}

func TestNoiseID(t *testing.T) {
	assert.Equal(t, "cargo:source_avg", NoiseID("cargo"))
	assert.True(t, IsNoiseID("cargo:source_avg"))
	assert.False(t, IsNoiseID("cargo:cluster_1"))
	assert.False(t, IsNoiseID(":source_avg"))
	assert.False(t, IsNoiseID(""))
}

func TestMemberCount(t *testing.T) {
	c := &Cluster{Stats: DurationStats{Count: 5}}
	assert.Equal(t, 5, c.MemberCount())

	c.MemberIDs = []string{"a", "b"}
	assert.Equal(t, 2, c.MemberCount(), "explicit members win over stats")
}

func TestConfidence(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	fresh := &Cluster{Stats: DurationStats{Count: 5}, BuiltAt: now.Add(-time.Hour)}
	assert.InDelta(t, 0.7, fresh.Confidence(now), 1e-9)

	big := &Cluster{Stats: DurationStats{Count: 50}, BuiltAt: now}
	assert.InDelta(t, 0.9, big.Confidence(now), 1e-9, "member bonus caps at 0.9")

	week := &Cluster{Stats: DurationStats{Count: 5}, BuiltAt: now.Add(-8 * 24 * time.Hour)}
	assert.InDelta(t, 0.7*0.9, week.Confidence(now), 1e-9)

	month := &Cluster{Stats: DurationStats{Count: 5}, BuiltAt: now.Add(-40 * 24 * time.Hour)}
	assert.InDelta(t, 0.7*0.8, month.Confidence(now), 1e-9)
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Build API  ", "build api"},
		{"cargo build --release", "cargo build release"},
		{"Deploy\tto\nprod", "deploy to prod"},
		{"NPM install!!!", "npm install"},
		{"", ""},
		{"///---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTitle(tt.in), "input %q", tt.in)
	}
}

func TestTitleDistance(t *testing.T) {
	assert.Zero(t, TitleDistance("build api", "build api"))
	assert.Zero(t, TitleDistance("", ""))
	assert.Zero(t, TitleDistance("Build-API!", "build api"),
		"normalization removes punctuation and case")
	assert.InDelta(t, 1.0, TitleDistance("", "abc"), 1e-9)
	assert.InDelta(t, 1.0/9.0, TitleDistance("build api", "build app"), 1e-9)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 0, levenshtein("", ""))
	assert.Equal(t, 4, levenshtein("", "abcd"))
	assert.Equal(t, 1, levenshtein("café", "cafe"), "runes, not bytes")
}

func TestMetaDistance(t *testing.T) {
	assert.InDelta(t, 1.0, MetaDistance(nil, nil), 1e-9,
		"missing metadata on either side is maximally distant")
	assert.InDelta(t, 1.0, MetaDistance(map[string]string{"a": "1"}, nil), 1e-9)

	same := map[string]string{"branch": "main", "ci": "true"}
	assert.Zero(t, MetaDistance(same, map[string]string{"branch": "main", "ci": "true"}))

	a := map[string]string{"x": "1", "y": "2"}
	b := map[string]string{"x": "1", "y": "3"}
	assert.InDelta(t, 1.0-1.0/3.0, MetaDistance(a, b), 1e-9)

	assert.Zero(t, MetaDistance(
		map[string]string{"Branch": " Main "},
		map[string]string{"branch": "main"},
	), "keys and values compare case-insensitively, trimmed")
}

func TestDistance(t *testing.T) {
	t.Run("cross source is always 1", func(t *testing.T) {
		a := mkClusterRace("r1", "gitlab", "build api", nil)
		b := mkClusterRace("r2", "cargo", "build api", nil)
		assert.InDelta(t, 1.0, Distance(a, b, DefaultWeights()), 1e-9)
	})

	t.Run("blend of title and meta", func(t *testing.T) {
		a := mkClusterRace("r1", "gitlab", "build api", map[string]string{"a": "1"})
		b := mkClusterRace("r2", "gitlab", "build api", map[string]string{"b": "2"})
		// Identical titles, disjoint metadata.
		assert.InDelta(t, 0.4, Distance(a, b, DefaultWeights()), 1e-9)
	})

	t.Run("weights normalize", func(t *testing.T) {
		a := mkClusterRace("r1", "gitlab", "build api", map[string]string{"a": "1"})
		b := mkClusterRace("r2", "gitlab", "build api", map[string]string{"b": "2"})
		assert.InDelta(t, 0.25, Distance(a, b, Weights{Title: 3, Meta: 1}), 1e-9)
	})

	t.Run("zero weights fall back to defaults", func(t *testing.T) {
		a := mkClusterRace("r1", "gitlab", "build api", map[string]string{"a": "1"})
		b := mkClusterRace("r2", "gitlab", "build api", map[string]string{"b": "2"})
		assert.InDelta(t, 0.4, Distance(a, b, Weights{}), 1e-9)
	})
}

func TestDistanceTo(t *testing.T) {
	c := &Cluster{
		ID:     "gitlab:cluster_0",
		Source: "gitlab",
		Title:  "build api",
		Meta:   map[string]string{"branch": "main"},
	}
	r := mkClusterRace("r1", "gitlab", "build api", map[string]string{"branch": "main"})
	assert.Zero(t, c.DistanceTo(r, DefaultWeights()))

	other := mkClusterRace("r2", "cargo", "build api", map[string]string{"branch": "main"})
	assert.InDelta(t, 1.0, c.DistanceTo(other, DefaultWeights()), 1e-9)
}

func TestMedoidTitle(t *testing.T) {
	assert.Equal(t, "", MedoidTitle(nil))
	assert.Equal(t, "only", MedoidTitle([]string{"only"}))

	// aaaa and aaab tie on average distance; the earlier index wins.
	got := MedoidTitle([]string{"aaaa", "aaab", "zzzz"})
	assert.Equal(t, "aaaa", got)

	// The central title has the lowest mean distance.
	got = MedoidTitle([]string{"build api v1", "build api", "build api v2"})
	assert.Equal(t, "build api v1", got)
}

func TestRepresentativeMeta(t *testing.T) {
	assert.Nil(t, RepresentativeMeta(nil))

	metas := []map[string]string{
		{"branch": "main", "ci": "true"},
		{"branch": "main", "ci": "false"},
		{"branch": "dev"},
	}
	rep := RepresentativeMeta(metas)
	require.NotNil(t, rep)
	assert.Equal(t, "main", rep["branch"], "majority value wins")
	assert.Equal(t, "false", rep["ci"], "value ties break lexicographically")

	sparse := []map[string]string{{"a": "1"}, {"b": "2"}, {"c": "3"}}
	assert.Nil(t, RepresentativeMeta(sparse), "keys below half presence are dropped")
}

func TestRaceVector(t *testing.T) {
	t.Run("title trigrams", func(t *testing.T) {
		r := mkClusterRace("r1", "gitlab", "build the api server", nil)
		vec, embedded := RaceVector(r)
		assert.False(t, embedded)
		require.Len(t, vec, VectorDim)

		var sumSq float64
		for _, v := range vec {
			sumSq += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, sumSq, 1e-5, "vector is L2-normalized")

		// Same normalized title, same vector.
		r2 := mkClusterRace("r2", "gitlab", "Build THE api server!", nil)
		vec2, _ := RaceVector(r2)
		assert.Equal(t, vec, vec2)

		r3 := mkClusterRace("r3", "gitlab", "deploy frontend", nil)
		vec3, _ := RaceVector(r3)
		assert.NotEqual(t, vec, vec3)
	})

	t.Run("short titles hash whole", func(t *testing.T) {
		r := mkClusterRace("r1", "cmd", "ls", nil)
		vec, embedded := RaceVector(r)
		assert.False(t, embedded)

		nonZero := 0
		for _, v := range vec {
			if v != 0 {
				nonZero++
			}
		}
		assert.Equal(t, 1, nonZero)
	})

	t.Run("embedding passthrough", func(t *testing.T) {
		r := mkClusterRace("r1", "claude-code", "session", map[string]string{
			"embedding": "[0.1, 0.2, 0.3]",
		})
		vec, embedded := RaceVector(r)
		assert.True(t, embedded)
		require.Len(t, vec, 3)
		assert.InDelta(t, 0.1, float64(vec[0]), 1e-6)
	})

	t.Run("bad embedding falls back to title", func(t *testing.T) {
		for _, raw := range []string{"not json", "[]", `["a"]`} {
			r := mkClusterRace("r1", "claude-code", "session", map[string]string{
				"embedding": raw,
			})
			vec, embedded := RaceVector(r)
			assert.False(t, embedded, "embedding %q should be rejected", raw)
			assert.Len(t, vec, VectorDim)
		}
	})
}
