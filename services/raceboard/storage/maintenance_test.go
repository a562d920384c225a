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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

func TestAuditRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Audit(ctx, AuditRecord{
		Kind:   "ui_delete",
		RaceID: "r1",
		Note:   "deleted from dashboard",
		At:     testBase,
	})
	require.NoError(t, err)

	records, err := s.ListAudit(ctx, "ui_delete", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].RaceID)
	assert.Equal(t, "deleted from dashboard", records[0].Note)
}

func TestAuditDefaultsTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Audit(ctx, AuditRecord{Kind: "ui_delete", RaceID: "r2"}))

	records, err := s.ListAudit(ctx, "ui_delete", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].At.IsZero())
}

func TestAuditRequiresKind(t *testing.T) {
	s := openTestStore(t)

	err := s.Audit(context.Background(), AuditRecord{RaceID: "r1"})
	assert.Error(t, err)
}

func TestCountPartitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"r1", "r2", "r3"} {
		r := mkRace(id, "ci", testBase.Add(time.Duration(i)*time.Minute), race.StateRunning)
		require.NoError(t, s.PutRace(ctx, r, ""))
	}
	require.NoError(t, s.SetMeta(ctx, "extra", "value"))

	counts, err := s.CountPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Races)
	assert.Equal(t, 3, counts.IndexEntries)
	assert.Equal(t, 0, counts.Clusters)
	// Schema version plus the extra meta entry.
	assert.GreaterOrEqual(t, counts.Meta, 2)
}

func TestCompactInMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		r := mkRace("r"+string(rune('a'+i)), "ci", testBase, race.StatePassed)
		require.NoError(t, s.PutRace(ctx, r, ""))
	}

	report, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.LogFilesRewritten)
	assert.GreaterOrEqual(t, report.Took, time.Duration(0))
}

func TestCompactReadOnlyRejected(t *testing.T) {
	s := openTestStore(t)
	s.readOnly.Store(true)

	_, err := s.Compact(context.Background())
	assert.ErrorIs(t, err, race.ErrReadOnly)
}

func TestSchemaVersion(t *testing.T) {
	assert.Equal(t, storageSchemaVersion, SchemaVersion())
}
