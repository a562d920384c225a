// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// runningAdapter registers one gitlab adapter with a 30s interval and
// lands it in running with a report at regNow+5s.
func runningAdapter(t *testing.T, r *Registry) *Instance {
	t.Helper()
	in, err := r.Register(context.Background(), gitlabReg("runner-1"), regNow)
	require.NoError(t, err)
	in, err = r.Report(context.Background(), Report{AdapterID: in.ID}, regNow.Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, StateRunning, in.State)
	return in
}

func stateOf(t *testing.T, r *Registry, key string) State {
	t.Helper()
	in, err := r.Get(key)
	require.NoError(t, err)
	return in.State
}

func TestStalenessLadder(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	in := runningAdapter(t, r)

	var seen []Transition
	r.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	ctx := context.Background()

	// 44s since the last report: inside 1.5x the 30s interval.
	r.sweep(ctx, regNow.Add(49*time.Second))
	assert.Equal(t, StateRunning, stateOf(t, r, in.ID))

	// 46s: past 1.5x, the instance goes delayed.
	r.sweep(ctx, regNow.Add(51*time.Second))
	assert.Equal(t, StateDelayed, stateOf(t, r, in.ID))

	// Still under 2x, delayed holds.
	r.sweep(ctx, regNow.Add(51*time.Second))
	assert.Equal(t, StateDelayed, stateOf(t, r, in.ID))

	// 61s: past 2x.
	r.sweep(ctx, regNow.Add(66*time.Second))
	assert.Equal(t, StateAbsent, stateOf(t, r, in.ID))

	// 91s: past 3x.
	r.sweep(ctx, regNow.Add(96*time.Second))
	assert.Equal(t, StateAbandoned, stateOf(t, r, in.ID))

	require.Len(t, seen, 3)
	assert.Equal(t, StateRunning, seen[0].From)
	assert.Equal(t, StateDelayed, seen[0].To)
	assert.Equal(t, StateDelayed, seen[1].From)
	assert.Equal(t, StateAbsent, seen[1].To)
	assert.Equal(t, StateAbsent, seen[2].From)
	assert.Equal(t, StateAbandoned, seen[2].To)
	assert.Contains(t, seen[0].Reason, "no report for")
}

func TestStalenessOneEdgePerSweep(t *testing.T) {
	// A machine that slept through every threshold still walks the
	// ladder one rung per sweep instead of jumping to abandoned.
	r, _ := testRegistry(t, Config{})
	in := runningAdapter(t, r)

	ctx := context.Background()
	late := regNow.Add(10 * time.Minute)

	r.sweep(ctx, late)
	assert.Equal(t, StateDelayed, stateOf(t, r, in.ID))
	r.sweep(ctx, late)
	assert.Equal(t, StateAbsent, stateOf(t, r, in.ID))
	r.sweep(ctx, late)
	assert.Equal(t, StateAbandoned, stateOf(t, r, in.ID))
	r.sweep(ctx, late)
	assert.Equal(t, StateAbandoned, stateOf(t, r, in.ID))
}

func TestDegradedStatesGoDelayed(t *testing.T) {
	// Warning and critical sit on the same ladder rung as running.
	r, _ := testRegistry(t, Config{})
	in, err := r.Register(context.Background(), gitlabReg("runner-1"), regNow)
	require.NoError(t, err)
	_, err = r.Report(context.Background(), Report{AdapterID: in.ID, Status: StatusCritical},
		regNow.Add(5*time.Second))
	require.NoError(t, err)

	r.sweep(context.Background(), regNow.Add(49*time.Second))
	assert.Equal(t, StateCritical, stateOf(t, r, in.ID))
	r.sweep(context.Background(), regNow.Add(51*time.Second))
	assert.Equal(t, StateDelayed, stateOf(t, r, in.ID))
}

func TestInitializingTimesOut(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	ctx := context.Background()
	in, err := r.Register(ctx, gitlabReg("runner-1"), regNow)
	require.NoError(t, err)

	var seen []Transition
	r.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	r.sweep(ctx, regNow.Add(29*time.Second))
	assert.Equal(t, StateInitializing, stateOf(t, r, in.ID))

	r.sweep(ctx, regNow.Add(31*time.Second))
	assert.Equal(t, StateTimedOut, stateOf(t, r, in.ID))
	require.Len(t, seen, 1)
	assert.Contains(t, seen[0].Reason, "no first report")

	// The dead registration refuses reports but can be replaced.
	_, err = r.Report(ctx, Report{AdapterID: in.ID}, regNow.Add(40*time.Second))
	assert.ErrorIs(t, err, race.ErrConflict)
	again, err := r.Register(ctx, gitlabReg("runner-1"), regNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, again.State)
}

func TestTerminalTTLEviction(t *testing.T) {
	r, st := testRegistry(t, Config{})
	ctx := context.Background()

	stopped, err := r.Register(ctx, gitlabReg("runner-1"), regNow)
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, stopped.ID, regNow))

	dead, err := r.Register(ctx, gitlabReg("runner-2"), regNow)
	require.NoError(t, err)
	r.mu.Lock()
	r.instances[dead.ID].State = StateAbandoned
	r.instances[dead.ID].StateChangedAt = regNow
	r.mu.Unlock()

	// Stopped instances linger for an hour so status queries can still
	// explain where an adapter went.
	r.sweep(ctx, regNow.Add(59*time.Minute))
	assert.Len(t, r.List(), 2)

	r.sweep(ctx, regNow.Add(61*time.Minute))
	require.Len(t, r.List(), 1)
	_, err = r.Get(stopped.ID)
	assert.ErrorIs(t, err, race.ErrNotFound)
	st.mu.Lock()
	_, kept := st.meta[metaKeyPrefix+stopped.ID]
	st.mu.Unlock()
	assert.False(t, kept, "evicted record is deleted from the store")

	// Abandoned instances keep their longer TTL.
	r.sweep(ctx, regNow.Add(23*time.Hour))
	assert.Len(t, r.List(), 1)
	r.sweep(ctx, regNow.Add(25*time.Hour))
	assert.Empty(t, r.List())
}

func TestNextForReport(t *testing.T) {
	tests := []struct {
		name   string
		in     State
		status string
		errMsg string
		want   State
	}{
		{"clean report runs", StateRunning, "", "", StateRunning},
		{"delayed recovers", StateDelayed, "", "", StateRunning},
		{"absent recovers", StateAbsent, StatusOK, "", StateRunning},
		{"critical recovers", StateCritical, "", "", StateRunning},
		{"warning status", StateRunning, StatusWarning, "", StateWarning},
		{"error implies warning", StateRunning, "", "boom", StateWarning},
		{"critical status", StateWarning, StatusCritical, "", StateCritical},
		{"critical wins over error", StateRunning, StatusCritical, "boom", StateCritical},
		{"initializing activates", StateInitializing, "", "", StateRunning},
		{"exempt never moves", StateExempt, StatusCritical, "boom", StateExempt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextForReport(tt.in, tt.status, tt.errMsg))
		})
	}
}

func TestStateSeverity(t *testing.T) {
	assert.Equal(t, 0, StateRunning.Severity())
	assert.Equal(t, 1, StateWarning.Severity())
	assert.Equal(t, 1, StateDelayed.Severity())
	assert.Equal(t, 2, StateCritical.Severity())
	assert.Equal(t, 2, StateAbsent.Severity())
	assert.Equal(t, 3, StateAbandoned.Severity())
	assert.Equal(t, 3, StateTimedOut.Severity())
	assert.Equal(t, 0, StateExempt.Severity())

	assert.True(t, StateStopped.Terminal())
	assert.True(t, StateAbandoned.Terminal())
	assert.True(t, StateTimedOut.Terminal())
	assert.False(t, StateDelayed.Terminal())
	assert.False(t, StateExempt.Terminal())
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	r, _ := testRegistry(t, Config{MonitorInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}

func TestCollector(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	ctx := context.Background()

	in, err := r.Register(ctx, gitlabReg("runner-1"), regNow)
	require.NoError(t, err)
	_, err = r.Report(ctx, Report{
		AdapterID: in.ID,
		Status:    StatusCritical,
		Metrics:   Metrics{RacesCreated: 5, RacesUpdated: 12},
	}, regNow.Add(time.Second))
	require.NoError(t, err)
	_, err = r.Register(ctx, Registration{Type: "calendar", InstanceID: "main-1", IntervalSec: 60}, regNow)
	require.NoError(t, err)

	expected := `
# HELP raceboard_adapter_health Per-adapter health severity (0 normal through 3 dead).
# TYPE raceboard_adapter_health gauge
raceboard_adapter_health{adapter_type="calendar",instance="main-1",state="initializing"} 0
raceboard_adapter_health{adapter_type="gitlab",instance="runner-1",state="critical"} 2
# HELP raceboard_adapter_races_created_total Races created by the adapter, from its last health report.
# TYPE raceboard_adapter_races_created_total counter
raceboard_adapter_races_created_total{adapter_type="calendar",instance="main-1"} 0
raceboard_adapter_races_created_total{adapter_type="gitlab",instance="runner-1"} 5
# HELP raceboard_adapters_state Adapter instances by state.
# TYPE raceboard_adapters_state gauge
raceboard_adapters_state{state="critical"} 1
raceboard_adapters_state{state="initializing"} 1
# HELP raceboard_adapters_total Registered adapter instances, terminal leftovers included.
# TYPE raceboard_adapters_total gauge
raceboard_adapters_total 2
`
	require.NoError(t, testutil.CollectAndCompare(r.Collector(), strings.NewReader(expected),
		"raceboard_adapters_total",
		"raceboard_adapters_state",
		"raceboard_adapter_health",
		"raceboard_adapter_races_created_total"))

	// last_report_seconds only exists for instances that have reported.
	assert.Equal(t, 10, testutil.CollectAndCount(r.Collector()))
}
