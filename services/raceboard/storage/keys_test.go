// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTimeIndexKeyOrdering verifies byte order of index keys matches
// chronological order, including sub-second precision and the id
// tie-break.
func TestTimeIndexKeyOrdering(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	ordered := [][]byte{
		timeIndexKey(base, "a"),
		timeIndexKey(base, "b"),
		timeIndexKey(base.Add(time.Nanosecond), "a"),
		timeIndexKey(base.Add(500*time.Millisecond), "a"),
		timeIndexKey(base.Add(time.Second), "a"),
		timeIndexKey(base.Add(time.Hour), "a"),
	}
	for i := 1; i < len(ordered); i++ {
		assert.Negative(t, bytes.Compare(ordered[i-1], ordered[i]),
			"key %d should sort before key %d", i-1, i)
	}
}

func TestSplitTimeIndexKeyRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 30, 15, 123456789, time.UTC)
	key := timeIndexKey(at, "race-42")

	ts, id, err := splitTimeIndexKey(key)
	require.NoError(t, err)
	assert.Equal(t, "race-42", id)
	assert.True(t, ts.Equal(at))
}

func TestSplitTimeIndexKeyRejectsShortKey(t *testing.T) {
	_, _, err := splitTimeIndexKey([]byte(timeIndexPrefix + "short"))
	assert.Error(t, err)
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 999999999, time.UTC)
	c := cursorFor(at, "race-1")

	encoded := EncodeCursor(c)
	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "!!!", "bm90LWpzb24"} {
		_, err := DecodeCursor(bad)
		assert.Error(t, err, "cursor %q should not decode", bad)
	}
}

// TestCursorSeekKeyStrictlyAfter verifies resuming from a cursor skips
// the race the cursor points at but nothing else.
func TestCursorSeekKeyStrictlyAfter(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	own := timeIndexKey(at, "race-1")
	seek := cursorFor(at, "race-1").seekKey()

	assert.Positive(t, bytes.Compare(seek, own))

	// The very next possible keys still sort at or after the seek key.
	sameTimeNextID := timeIndexKey(at, "race-2")
	nextInstant := timeIndexKey(at.Add(time.Nanosecond), "race-0")
	assert.LessOrEqual(t, bytes.Compare(seek, sameTimeNextID), 0)
	assert.LessOrEqual(t, bytes.Compare(seek, nextInstant), 0)
}

func TestTimeSeekKeyIsInclusiveLowerBound(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seek := timeSeekKey(at)
	assert.LessOrEqual(t, bytes.Compare(seek, timeIndexKey(at, "any")), 0)
	assert.Negative(t, bytes.Compare(timeIndexKey(at.Add(-time.Nanosecond), "z"), seek))
}
