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
	"encoding/json"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// VectorDim is the dimensionality of hashed title vectors. Embeddings
// supplied by adapters keep their own dimensionality.
const VectorDim = 4096

// embeddingMetaKey lets adapters ship a precomputed embedding as a JSON
// float array in race metadata.
const embeddingMetaKey = "embedding"

// RaceVector produces the vector used for approximate neighbor search
// during rebuilds. If the race carries a parseable embedding it is used
// as-is and embedded reports true; otherwise the normalized title is
// hashed into character trigram counts and L2-normalized.
func RaceVector(r *race.Race) (vec []float32, embedded bool) {
	if raw, ok := r.Metadata[embeddingMetaKey]; ok && raw != "" {
		var floats []float64
		if err := json.Unmarshal([]byte(raw), &floats); err == nil && len(floats) > 0 {
			vec = make([]float32, len(floats))
			valid := true
			for i, f := range floats {
				if math.IsNaN(f) || math.IsInf(f, 0) {
					valid = false
					break
				}
				vec[i] = float32(f)
			}
			if valid {
				return vec, true
			}
		}
	}
	return titleVector(r.Title), false
}

// titleVector hashes character trigrams of the normalized title into a
// fixed-size count vector. Short titles hash as a single feature.
func titleVector(title string) []float32 {
	vec := make([]float32, VectorDim)
	text := NormalizeTitle(title)
	runes := []rune(text)

	if len(runes) < 3 {
		if len(runes) > 0 {
			vec[xxhash.Sum64String(text)%VectorDim]++
		}
		return l2Normalize(vec)
	}

	for i := 0; i+3 <= len(runes); i++ {
		gram := string(runes[i : i+3])
		vec[xxhash.Sum64String(gram)%VectorDim]++
	}
	return l2Normalize(vec)
}

func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
