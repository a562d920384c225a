// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/raceboard/services/raceboard/active"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
	"github.com/AleutianAI/raceboard/services/raceboard/storage"
	"github.com/AleutianAI/raceboard/services/raceboard/telemetry"
)

var monNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fakeActive struct {
	races []*race.Race
	stats active.Stats
}

func (f *fakeActive) List() []*race.Race  { return f.races }
func (f *fakeActive) Stats() active.Stats { return f.stats }

type fakeHistory struct {
	races   []*race.Race
	health  storage.Health
	scanErr error
}

func (f *fakeHistory) ScanRaces(ctx context.Context, q storage.ScanQuery) (*storage.ScanResult, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	start := 0
	if q.Cursor != "" {
		var err error
		start, err = strconv.Atoi(q.Cursor)
		if err != nil {
			return nil, err
		}
	}
	end := start + q.Limit
	if end > len(f.races) {
		end = len(f.races)
	}
	res := &storage.ScanResult{Races: f.races[start:end]}
	if end < len(f.races) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

func (f *fakeHistory) Health() storage.Health { return f.health }

func mkRaces(source string, n int) []*race.Race {
	races := make([]*race.Race, n)
	for i := range races {
		races[i] = &race.Race{
			ID:        fmt.Sprintf("%s-%d", source, i),
			Source:    source,
			State:     race.StateRunning,
			StartedAt: monNow.Add(-time.Duration(n-i) * time.Minute),
		}
	}
	return races
}

func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	m, err := telemetry.NewMetrics(otel.Meter("monitor_test"))
	require.NoError(t, err)
	return m
}

func TestCensusCountsBySource(t *testing.T) {
	act := &fakeActive{races: mkRaces("gitlab", 3)}
	hist := &fakeHistory{
		races: append(mkRaces("gitlab", 1200), mkRaces("cmd", 50)...),
	}
	m := New(Config{}, act, hist, nil, nil, testLogger())

	m.census(context.Background(), monNow)
	h := m.Health()

	assert.Equal(t, monNow, h.CheckedAt)
	assert.Equal(t, 3, h.ActiveRaces)
	assert.Equal(t, 1000, h.MaxActive)
	assert.InDelta(t, 0.3, h.UsagePercent, 0.001)
	assert.Equal(t, 1250, h.TotalRaces)
	assert.Equal(t, 1200, h.RacesBySource["gitlab"])
	assert.Equal(t, 50, h.RacesBySource["cmd"])
	assert.True(t, h.ClusterDataSufficient)
	assert.True(t, h.PersistenceHealthy)
	assert.Empty(t, h.CriticalErrors)

	require.Len(t, h.Warnings, 1)
	assert.Contains(t, h.Warnings[0], `source "cmd" has only 50 races`)
}

func TestCensusDegradedStoreCountsLiveRaces(t *testing.T) {
	act := &fakeActive{races: mkRaces("cmd", 5)}
	hist := &fakeHistory{health: storage.Health{ReadOnly: true}}
	m := New(Config{}, act, hist, nil, nil, testLogger())

	m.census(context.Background(), monNow)
	h := m.Health()

	// Nothing persisted, so the live count is the best estimate.
	assert.Equal(t, 5, h.TotalRaces)
	assert.Equal(t, 5, h.RacesBySource["cmd"])
	assert.True(t, h.ReadOnly)
	assert.False(t, h.PersistenceHealthy)
	assert.False(t, h.ClusterDataSufficient)
	assert.Contains(t, h.CriticalErrors, "storage is read-only, mutations are rejected")
}

func TestCensusCapacityWarnings(t *testing.T) {
	tests := []struct {
		name   string
		racesN int
		want   string
	}{
		{"comfortable", 5, ""},
		{"warning band", 8, "active store at 80.0% capacity"},
		{"imminent", 10, "active store at 100.0% capacity, evictions imminent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act := &fakeActive{races: mkRaces("gitlab", tt.racesN)}
			m := New(Config{MaxActive: 10}, act, &fakeHistory{}, nil, nil, testLogger())

			m.census(context.Background(), monNow)
			h := m.Health()

			if tt.want == "" {
				for _, w := range h.Warnings {
					assert.NotContains(t, w, "capacity")
				}
				return
			}
			assert.Contains(t, h.Warnings, tt.want)
		})
	}
}

func TestCensusEvictionAlertFiresOncePerDelta(t *testing.T) {
	capture := &webhookCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()
	alerts := NewAlertSystem(srv.URL, "", testLogger())

	act := &fakeActive{races: mkRaces("gitlab", 2), stats: active.Stats{Evictions: 2}}
	m := New(Config{}, act, &fakeHistory{}, alerts, testMetrics(t), testLogger())

	m.census(context.Background(), monNow)
	h := m.Health()
	require.Equal(t, 1, capture.count())
	assert.Contains(t, capture.last(), "DATA LOSS: 2 races evicted from the active set (total 2)")
	assert.Equal(t, uint64(2), h.EvictionCount)
	require.NotNil(t, h.LastEviction)
	assert.Equal(t, monNow, *h.LastEviction)

	// Same counter, no new alert; the last eviction time sticks.
	m.census(context.Background(), monNow.Add(time.Minute))
	h = m.Health()
	assert.Equal(t, 1, capture.count())
	require.NotNil(t, h.LastEviction)
	assert.Equal(t, monNow, *h.LastEviction)

	// One more eviction fires again.
	act.stats.Evictions = 3
	m.census(context.Background(), monNow.Add(2*time.Minute))
	require.Equal(t, 2, capture.count())
	assert.Contains(t, capture.last(), "1 races evicted from the active set (total 3)")
}

func TestCensusFlushFailureAlert(t *testing.T) {
	capture := &webhookCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()
	alerts := NewAlertSystem(srv.URL, "", testLogger())

	hist := &fakeHistory{health: storage.Health{FlushFailures: 4}}
	m := New(Config{}, &fakeActive{}, hist, alerts, testMetrics(t), testLogger())

	m.census(context.Background(), monNow)
	h := m.Health()
	require.Equal(t, 1, capture.count())
	assert.Contains(t, capture.last(), "storage flush failing: 4 failures")
	assert.False(t, h.PersistenceHealthy)
	assert.Contains(t, h.CriticalErrors, "4 flush failures since the last check")

	// Unchanged counter stays quiet; growth alerts with the delta only.
	m.census(context.Background(), monNow.Add(time.Minute))
	assert.Equal(t, 1, capture.count())

	hist.health.FlushFailures = 6
	m.census(context.Background(), monNow.Add(2*time.Minute))
	require.Equal(t, 2, capture.count())
	assert.Contains(t, capture.last(), "storage flush failing: 2 failures")
}

func TestCensusSLOAlertLatches(t *testing.T) {
	capture := &webhookCapture{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()
	alerts := NewAlertSystem(srv.URL, "", testLogger())

	m := New(Config{}, &fakeActive{}, &fakeHistory{}, alerts, testMetrics(t), testLogger())
	for i := 0; i < 10; i++ {
		m.SLO().ObserveWrite(40 * time.Millisecond)
	}

	m.census(context.Background(), monNow)
	require.Equal(t, 1, capture.count())
	assert.Contains(t, capture.last(), "SLO violation: write latency p95")

	// Still violating: latched, no repeat alert.
	m.census(context.Background(), monNow.Add(time.Minute))
	assert.Equal(t, 1, capture.count())

	// Recovery re-arms the latch.
	for i := 0; i < latencyRingSamples; i++ {
		m.SLO().ObserveWrite(time.Millisecond)
	}
	m.census(context.Background(), monNow.Add(2*time.Minute))
	assert.Equal(t, 1, capture.count())

	for i := 0; i < latencyRingSamples; i++ {
		m.SLO().ObserveWrite(40 * time.Millisecond)
	}
	m.census(context.Background(), monNow.Add(3*time.Minute))
	assert.Equal(t, 2, capture.count())
}

func TestCensusSLOViolationListedInWarnings(t *testing.T) {
	m := New(Config{}, &fakeActive{}, &fakeHistory{}, nil, nil, testLogger())
	for i := 0; i < 10; i++ {
		m.SLO().ObserveFlush(300 * time.Millisecond)
	}

	m.census(context.Background(), monNow)
	h := m.Health()

	assert.Contains(t, strings.Join(h.Warnings, "\n"), "flush latency p99")
}

func TestCensusScanFailureIsCritical(t *testing.T) {
	act := &fakeActive{races: mkRaces("gitlab", 4)}
	hist := &fakeHistory{scanErr: errors.New("iterator broke")}
	m := New(Config{}, act, hist, nil, nil, testLogger())

	m.census(context.Background(), monNow)
	h := m.Health()

	require.NotEmpty(t, h.CriticalErrors)
	assert.Contains(t, h.CriticalErrors[0], "historic census failed")
	// Live counts still land even when history is unreadable.
	assert.Equal(t, 4, h.RacesBySource["gitlab"])
}

func TestCensusLargeDatabaseWarning(t *testing.T) {
	hist := &fakeHistory{health: storage.Health{SizeBytes: 2_000_000_000}}
	m := New(Config{}, &fakeActive{}, hist, nil, nil, testLogger())

	m.census(context.Background(), monNow)
	h := m.Health()

	assert.Contains(t, h.Warnings, "database is large: 2000 MB")
	assert.Equal(t, int64(2_000_000_000), h.DBSizeBytes)
}

func TestCensusCorruptRecordsWarning(t *testing.T) {
	hist := &fakeHistory{health: storage.Health{CorruptSkipped: 3}}
	m := New(Config{}, &fakeActive{}, hist, nil, nil, testLogger())

	m.census(context.Background(), monNow)
	assert.Contains(t, m.Health().Warnings, "3 corrupt records skipped since the last check")

	// Latched until the counter grows again.
	m.census(context.Background(), monNow.Add(time.Minute))
	for _, w := range m.Health().Warnings {
		assert.NotContains(t, w, "corrupt records")
	}
}

func TestHealthSnapshotDoesNotAlias(t *testing.T) {
	act := &fakeActive{races: mkRaces("gitlab", 2)}
	m := New(Config{}, act, &fakeHistory{races: mkRaces("gitlab", 2)}, nil, nil, testLogger())
	m.census(context.Background(), monNow)

	h := m.Health()
	h.RacesBySource["gitlab"] = 999
	if len(h.Warnings) > 0 {
		h.Warnings[0] = "scribbled"
	}

	fresh := m.Health()
	assert.Equal(t, 2, fresh.RacesBySource["gitlab"])
	for _, w := range fresh.Warnings {
		assert.NotEqual(t, "scribbled", w)
	}
}

func TestHealthBeforeFirstCensusIsZero(t *testing.T) {
	m := New(Config{}, &fakeActive{}, &fakeHistory{}, nil, nil, testLogger())
	h := m.Health()
	assert.True(t, h.CheckedAt.IsZero())
	assert.Zero(t, h.TotalRaces)
}

func TestRunStopsOnCancel(t *testing.T) {
	m := New(Config{Interval: time.Millisecond}, &fakeActive{}, &fakeHistory{}, nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// The initial census ran before the loop observed cancellation.
	assert.False(t, m.Health().CheckedAt.IsZero())
}
