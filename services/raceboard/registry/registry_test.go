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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

var regNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu      sync.Mutex
	meta    map[string][]byte
	failSet bool
}

func (s *fakeStore) SetMeta(ctx context.Context, name string, v any) error {
	if s.failSet {
		return race.ErrReadOnly
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		s.meta = make(map[string][]byte)
	}
	s.meta[name] = raw
	return nil
}

func (s *fakeStore) DeleteMeta(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, name)
	return nil
}

func (s *fakeStore) ScanMeta(ctx context.Context, prefix string, fn func(name string, raw []byte) error) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.meta))
	for name := range s.meta {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	raws := make([][]byte, len(names))
	for i, name := range names {
		raws[i] = append([]byte(nil), s.meta[name]...)
	}
	s.mu.Unlock()

	for i, name := range names {
		if err := fn(name, raws[i]); err != nil {
			return err
		}
	}
	return nil
}

func testRegistry(t *testing.T, cfg Config) (*Registry, *fakeStore) {
	t.Helper()
	st := &fakeStore{}
	return New(cfg, st, testLogger()), st
}

func gitlabReg(instance string) Registration {
	return Registration{
		Type:        "gitlab",
		InstanceID:  instance,
		DisplayName: "GitLab CI (" + instance + ")",
		Version:     "1.4.0",
		IntervalSec: 30,
	}
}

func TestRegisterLifecycle(t *testing.T) {
	r, st := testRegistry(t, Config{})
	ctx := context.Background()

	in, err := r.Register(ctx, gitlabReg("runner-1"), regNow)
	require.NoError(t, err)
	assert.Equal(t, "adapter:gitlab:runner-1", in.ID)
	assert.Equal(t, StateInitializing, in.State)
	assert.NotEmpty(t, in.Handle)
	assert.Equal(t, regNow, in.RegisteredAt)
	assert.Contains(t, st.meta, "registry/adapter:gitlab:runner-1")

	// First report lands the instance in running.
	in, err = r.Report(ctx, Report{
		AdapterID: "adapter:gitlab:runner-1",
		Metrics:   Metrics{RacesCreated: 3},
	}, regNow.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, in.State)
	assert.Equal(t, StateInitializing, in.PreviousState)
	require.NotNil(t, in.LastReportAt)
	assert.Equal(t, regNow.Add(10*time.Second), *in.LastReportAt)
	assert.Equal(t, uint64(3), in.LastMetrics.RacesCreated)

	// Reports carrying issues degrade the state without going stale.
	in, err = r.Report(ctx, Report{AdapterID: in.ID, Status: StatusWarning}, regNow.Add(40*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateWarning, in.State)

	in, err = r.Report(ctx, Report{AdapterID: in.ID, Error: "disk almost full"}, regNow.Add(70*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateWarning, in.State)
	assert.Equal(t, "disk almost full", in.LastError)

	in, err = r.Report(ctx, Report{AdapterID: in.ID, Status: StatusCritical}, regNow.Add(100*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateCritical, in.State)

	// A clean report recovers to running.
	in, err = r.Report(ctx, Report{AdapterID: in.ID}, regNow.Add(130*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, in.State)
	assert.Empty(t, in.LastError)

	require.NoError(t, r.Deregister(ctx, in.ID, regNow.Add(200*time.Second)))
	got, err := r.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)

	// Deregister is idempotent; reporting after stop is not allowed.
	assert.NoError(t, r.Deregister(ctx, in.ID, regNow.Add(201*time.Second)))
	_, err = r.Report(ctx, Report{AdapterID: in.ID}, regNow.Add(202*time.Second))
	assert.ErrorIs(t, err, race.ErrConflict)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		reg  Registration
	}{
		{"uppercase type", Registration{Type: "GitLab", InstanceID: "a", IntervalSec: 30}},
		{"empty instance", Registration{Type: "gitlab", IntervalSec: 30}},
		{"instance with colon", Registration{Type: "gitlab", InstanceID: "a:b", IntervalSec: 30}},
		{"id type mismatch", Registration{ID: "adapter:gitlab:a", Type: "calendar", InstanceID: "a", IntervalSec: 30}},
		{"id without prefix", Registration{ID: "gitlab:a", IntervalSec: 30}},
		{"negative interval", Registration{Type: "gitlab", InstanceID: "a", IntervalSec: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(ctx, tt.reg, regNow)
			require.Error(t, err)
			assert.Equal(t, race.KindValidation, race.Classify(err))
		})
	}

	// The canonical ID alone is enough.
	in, err := r.Register(ctx, Registration{ID: "adapter:gitlab:prod-1", IntervalSec: 30}, regNow)
	require.NoError(t, err)
	assert.Equal(t, "gitlab", in.Type)
	assert.Equal(t, "prod-1", in.InstanceID)

	_, err = r.Report(ctx, Report{AdapterID: "adapter:gitlab:ghost"}, regNow)
	assert.ErrorIs(t, err, race.ErrNotFound)
	_, err = r.Report(ctx, Report{AdapterID: "not-an-adapter-id"}, regNow)
	assert.Equal(t, race.KindValidation, race.Classify(err))
}

func TestRegisterConflictAndCaps(t *testing.T) {
	r, _ := testRegistry(t, Config{MaxPerType: 2, MaxTotal: 3})
	ctx := context.Background()

	first, err := r.Register(ctx, gitlabReg("runner-1"), regNow)
	require.NoError(t, err)

	_, err = r.Register(ctx, gitlabReg("runner-1"), regNow.Add(time.Second))
	assert.ErrorIs(t, err, race.ErrConflict, "live duplicate key")

	// A terminal leftover under the same key is replaced.
	require.NoError(t, r.Deregister(ctx, first.ID, regNow.Add(2*time.Second)))
	again, err := r.Register(ctx, gitlabReg("runner-1"), regNow.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, again.State)
	assert.NotEqual(t, first.Handle, again.Handle, "fresh handle per registration")

	_, err = r.Register(ctx, gitlabReg("runner-2"), regNow.Add(4*time.Second))
	require.NoError(t, err)
	_, err = r.Register(ctx, gitlabReg("runner-3"), regNow.Add(5*time.Second))
	assert.ErrorIs(t, err, race.ErrRateLimited, "per-type cap")

	_, err = r.Register(ctx, Registration{Type: "calendar", InstanceID: "c1", IntervalSec: 60}, regNow.Add(6*time.Second))
	require.NoError(t, err)
	_, err = r.Register(ctx, Registration{Type: "jenkins", InstanceID: "j1", IntervalSec: 60}, regNow.Add(7*time.Second))
	assert.ErrorIs(t, err, race.ErrRateLimited, "global cap")
}

func TestRegisterPersistFailureRollsBack(t *testing.T) {
	st := &fakeStore{failSet: true}
	r := New(Config{}, st, testLogger())

	_, err := r.Register(context.Background(), gitlabReg("runner-1"), regNow)
	assert.ErrorIs(t, err, race.ErrReadOnly)
	assert.Empty(t, r.List(), "failed registration leaves no trace")
}

func TestExemptAdapters(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	ctx := context.Background()

	// Exempt by type, even with a declared interval.
	in, err := r.Register(ctx, Registration{Type: "claude-code", InstanceID: "hook-1", IntervalSec: 30}, regNow)
	require.NoError(t, err)
	assert.Equal(t, StateExempt, in.State)
	assert.Zero(t, in.IntervalSec)

	// Exempt by zero interval, whatever the type.
	in2, err := r.Register(ctx, Registration{Type: "oneshot", InstanceID: "job-1"}, regNow)
	require.NoError(t, err)
	assert.Equal(t, StateExempt, in2.State)

	// Reports are accepted and recorded but never change the state.
	in, err = r.Report(ctx, Report{AdapterID: in.ID, Status: StatusCritical, Metrics: Metrics{RacesCreated: 7}}, regNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateExempt, in.State)
	assert.Equal(t, uint64(7), in.LastMetrics.RacesCreated)

	// The staleness ladder skips exempt instances forever.
	r.sweep(ctx, regNow.Add(365*24*time.Hour))
	got, err := r.Get(in2.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExempt, got.State)

	// Explicit deregistration is still honored.
	require.NoError(t, r.Deregister(ctx, in.ID, regNow.Add(time.Hour)))
	got, err = r.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)
}

func TestListAndSummary(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		in, err := r.Register(ctx, gitlabReg(fmt.Sprintf("runner-%d", i)), regNow)
		require.NoError(t, err)
		_, err = r.Report(ctx, Report{
			AdapterID: in.ID,
			Metrics:   Metrics{RacesCreated: uint64(i), RacesUpdated: uint64(10 * i)},
		}, regNow.Add(time.Second))
		require.NoError(t, err)
	}
	_, err := r.Report(ctx, Report{AdapterID: "adapter:gitlab:runner-3", Status: StatusCritical}, regNow.Add(2*time.Second))
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "adapter:gitlab:runner-1", list[0].ID)
	assert.Equal(t, "adapter:gitlab:runner-3", list[2].ID)

	s := r.Summary()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByState[StateRunning])
	assert.Equal(t, 1, s.ByState[StateCritical])
	assert.Equal(t, uint64(6), s.RacesCreated)
	assert.Equal(t, uint64(60), s.RacesUpdated)
	assert.False(t, s.Operational, "a critical instance flips the roll-up")

	_, err = r.Report(ctx, Report{AdapterID: "adapter:gitlab:runner-3"}, regNow.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, r.Summary().Operational)
}

func TestListCopiesDoNotAlias(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	reg := gitlabReg("runner-1")
	reg.Metadata = map[string]string{"region": "eu"}
	_, err := r.Register(context.Background(), reg, regNow)
	require.NoError(t, err)

	list := r.List()
	list[0].Metadata["region"] = "us"
	list[0].State = StateAbandoned

	got, err := r.Get("adapter:gitlab:runner-1")
	require.NoError(t, err)
	assert.Equal(t, "eu", got.Metadata["region"])
	assert.Equal(t, StateInitializing, got.State)
}

func seedPersisted(t *testing.T, st *fakeStore, instances ...*Instance) {
	t.Helper()
	for _, in := range instances {
		require.NoError(t, st.SetMeta(context.Background(), metaKeyPrefix+in.ID, in))
	}
}

func persistedRunning(id string, lastReport time.Time) *Instance {
	ts := lastReport
	return &Instance{
		ID:             id,
		Type:           "gitlab",
		InstanceID:     strings.TrimPrefix(id, "adapter:gitlab:"),
		Handle:         "handle-" + id,
		State:          StateRunning,
		RegisteredAt:   lastReport.Add(-time.Hour),
		StateChangedAt: lastReport,
		LastReportAt:   &ts,
		IntervalSec:    30,
	}
}

func TestRestoreModes(t *testing.T) {
	seed := func(st *fakeStore) {
		seedPersisted(t, st,
			persistedRunning("adapter:gitlab:runner-1", regNow.Add(-10*time.Second)),
			&Instance{
				ID: "adapter:gitlab:old", Type: "gitlab", InstanceID: "old",
				State: StateStopped, RegisteredAt: regNow.Add(-2 * time.Hour),
				StateChangedAt: regNow.Add(-30 * time.Minute), IntervalSec: 30,
			},
			&Instance{
				ID: "adapter:claude-code:hook", Type: "claude-code", InstanceID: "hook",
				State: StateExempt, RegisteredAt: regNow.Add(-time.Hour),
				StateChangedAt: regNow.Add(-time.Hour),
			},
		)
	}

	t.Run("clear", func(t *testing.T) {
		st := &fakeStore{}
		seed(st)
		r := New(Config{Recovery: RecoverClear}, st, testLogger())
		require.NoError(t, r.Restore(context.Background(), regNow))
		assert.Empty(t, r.List())
		assert.Empty(t, st.meta)
	})

	t.Run("abandon", func(t *testing.T) {
		st := &fakeStore{}
		seed(st)
		r := New(Config{Recovery: RecoverAbandon}, st, testLogger())
		require.NoError(t, r.Restore(context.Background(), regNow))

		got, err := r.Get("adapter:gitlab:runner-1")
		require.NoError(t, err)
		assert.Equal(t, StateAbandoned, got.State)
		assert.Equal(t, StateRunning, got.PreviousState)

		// Terminal and exempt entries are untouched.
		got, err = r.Get("adapter:gitlab:old")
		require.NoError(t, err)
		assert.Equal(t, StateStopped, got.State)
		got, err = r.Get("adapter:claude-code:hook")
		require.NoError(t, err)
		assert.Equal(t, StateExempt, got.State)

		// The abandonment is persisted for the next boot.
		var stored Instance
		require.NoError(t, json.Unmarshal(st.meta["registry/adapter:gitlab:runner-1"], &stored))
		assert.Equal(t, StateAbandoned, stored.State)
	})

	t.Run("optimistic", func(t *testing.T) {
		st := &fakeStore{}
		seed(st)
		r := New(Config{Recovery: RecoverOptimistic}, st, testLogger())
		require.NoError(t, r.Restore(context.Background(), regNow))

		got, err := r.Get("adapter:gitlab:runner-1")
		require.NoError(t, err)
		assert.Equal(t, StateRunning, got.State)

		// Inside the grace window the stale report is forgiven.
		r.sweep(context.Background(), regNow.Add(44*time.Second))
		got, err = r.Get("adapter:gitlab:runner-1")
		require.NoError(t, err)
		assert.Equal(t, StateRunning, got.State)

		// Once the grace expires the ladder resumes from the real
		// last-report time.
		r.sweep(context.Background(), regNow.Add(46*time.Second))
		got, err = r.Get("adapter:gitlab:runner-1")
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, got.State)
	})

	t.Run("corrupt records are skipped", func(t *testing.T) {
		st := &fakeStore{}
		seed(st)
		st.meta[metaKeyPrefix+"adapter:gitlab:bad"] = []byte("{not json")
		r := New(Config{Recovery: RecoverOptimistic}, st, testLogger())
		require.NoError(t, r.Restore(context.Background(), regNow))
		assert.Len(t, r.List(), 3)
	})
}

func TestRestoreWithoutStore(t *testing.T) {
	r := New(Config{}, nil, testLogger())
	assert.NoError(t, r.Restore(context.Background(), regNow))
	assert.Empty(t, r.List())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.ReportGrace)
	assert.Equal(t, 1.5, cfg.DelayedMult)
	assert.Equal(t, 2.0, cfg.AbsentMult)
	assert.Equal(t, 3.0, cfg.AbandonedMult)
	assert.Equal(t, 24*time.Hour, cfg.TTLAbandoned)
	assert.Equal(t, time.Hour, cfg.TTLStopped)
	assert.Equal(t, 10, cfg.MaxPerType)
	assert.Equal(t, 100, cfg.MaxTotal)
	assert.Equal(t, 5*time.Second, cfg.MonitorInterval)
	assert.Equal(t, RecoverOptimistic, cfg.Recovery)
	assert.Contains(t, cfg.ExemptTypes, "cmd")

	custom := Config{Recovery: "bogus", MaxPerType: 3}.withDefaults()
	assert.Equal(t, RecoverOptimistic, custom.Recovery)
	assert.Equal(t, 3, custom.MaxPerType)
}

func TestReportErrorsKeepInstance(t *testing.T) {
	// A store rejecting writes must not block health tracking.
	st := &fakeStore{}
	r := New(Config{}, st, testLogger())
	in, err := r.Register(context.Background(), gitlabReg("runner-1"), regNow)
	require.NoError(t, err)

	st.failSet = true
	got, err := r.Report(context.Background(), Report{AdapterID: in.ID}, regNow.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)

	errDereg := r.Deregister(context.Background(), in.ID, regNow.Add(2*time.Second))
	assert.ErrorIs(t, errDereg, race.ErrReadOnly, "lifecycle writes stay strict")
}

func TestDeregisterMissing(t *testing.T) {
	r, _ := testRegistry(t, Config{})
	err := r.Deregister(context.Background(), "adapter:gitlab:ghost", regNow)
	assert.True(t, errors.Is(err, race.ErrNotFound))
}
