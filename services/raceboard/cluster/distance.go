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
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// Weights blends the title and metadata components of the race distance.
type Weights struct {
	Title float64 `json:"w_title"`
	Meta  float64 `json:"w_meta"`
}

// DefaultWeights favors titles, which carry most of the signal for CI
// jobs and build commands.
func DefaultWeights() Weights {
	return Weights{Title: 0.6, Meta: 0.4}
}

func (w Weights) normalized() Weights {
	sum := w.Title + w.Meta
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Title: w.Title / sum, Meta: w.Meta / sum}
}

// NormalizeTitle canonicalizes a title for comparison: Unicode NFKC,
// lowercased, punctuation dropped, whitespace collapsed.
func NormalizeTitle(s string) string {
	folded := norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// TitleDistance is the Levenshtein distance between normalized titles,
// scaled by the longer length into [0,1]. Two empty titles are identical.
func TitleDistance(a, b string) float64 {
	na := NormalizeTitle(a)
	nb := NormalizeTitle(b)
	if na == "" && nb == "" {
		return 0
	}
	la := len([]rune(na))
	lb := len([]rune(nb))
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 0
	}
	return float64(levenshtein(na, nb)) / float64(maxLen)
}

// levenshtein computes edit distance over runes with a two-row table.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}

	prev := make([]int, len(ra)+1)
	curr := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}

	for j := 1; j <= len(rb); j++ {
		curr[0] = j
		for i := 1; i <= len(ra); i++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[i] = min3(
				prev[i]+1,
				curr[i-1]+1,
				prev[i-1]+cost,
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(ra)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// MetaDistance is the Jaccard distance over normalized key=value pairs.
// A missing or empty map on either side counts as maximally distant.
func MetaDistance(a, b map[string]string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 1
	}
	pa := metaPairs(a)
	pb := metaPairs(b)

	inter := 0
	for p := range pa {
		if _, ok := pb[p]; ok {
			inter++
		}
	}
	union := len(pa) + len(pb) - inter
	if union == 0 {
		return 1
	}
	return 1 - float64(inter)/float64(union)
}

func metaPairs(m map[string]string) map[string]struct{} {
	pairs := make(map[string]struct{}, len(m))
	for k, v := range m {
		pairs[strings.ToLower(strings.TrimSpace(k))+"="+strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return pairs
}

// Distance is the clustering metric between two races. Races from
// different sources never cluster together.
func Distance(a, b *race.Race, w Weights) float64 {
	if a.Source != b.Source {
		return 1
	}
	return pairDistance(a.Title, a.Metadata, b.Title, b.Metadata, w)
}

// DistanceTo measures a race against a cluster's representative title
// and metadata.
func (c *Cluster) DistanceTo(r *race.Race, w Weights) float64 {
	if c.Source != r.Source {
		return 1
	}
	return pairDistance(c.Title, c.Meta, r.Title, r.Metadata, w)
}

func pairDistance(titleA string, metaA map[string]string, titleB string, metaB map[string]string, w Weights) float64 {
	w = w.normalized()
	d := w.Title*TitleDistance(titleA, titleB) + w.Meta*MetaDistance(metaA, metaB)
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}

// MedoidTitle picks the member title with the smallest mean distance to
// the others. Ties keep the earlier index so the choice is stable.
func MedoidTitle(titles []string) string {
	switch len(titles) {
	case 0:
		return ""
	case 1:
		return titles[0]
	}

	best := 0
	bestAvg := -1.0
	for i := range titles {
		var sum float64
		for j := range titles {
			if i == j {
				continue
			}
			sum += TitleDistance(titles[i], titles[j])
		}
		avg := sum / float64(len(titles)-1)
		if bestAvg < 0 || avg < bestAvg {
			bestAvg = avg
			best = i
		}
	}
	return titles[best]
}

// RepresentativeMeta keeps keys present in more than half the members,
// each with its most common value. Ties pick the lexicographically
// smallest value so rebuilds are deterministic.
func RepresentativeMeta(metas []map[string]string) map[string]string {
	if len(metas) == 0 {
		return nil
	}

	keyCounts := make(map[string]int)
	valueCounts := make(map[string]map[string]int)
	for _, m := range metas {
		for k, v := range m {
			keyCounts[k]++
			if valueCounts[k] == nil {
				valueCounts[k] = make(map[string]int)
			}
			valueCounts[k][v]++
		}
	}

	half := len(metas) / 2
	rep := make(map[string]string)
	for k, count := range keyCounts {
		if count <= half {
			continue
		}
		values := make([]string, 0, len(valueCounts[k]))
		for v := range valueCounts[k] {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool {
			ci := valueCounts[k][values[i]]
			cj := valueCounts[k][values[j]]
			if ci != cj {
				return ci > cj
			}
			return values[i] < values[j]
		})
		rep[k] = values[0]
	}
	if len(rep) == 0 {
		return nil
	}
	return rep
}
