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
	"github.com/stretchr/testify/require"
)

func TestRolloutPhaseDefaults(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.RegisterSources([]string{"ci", "npm", "cargo"})
	ro.ApplyPhaseDefaults()

	assert.Equal(t, PhaseSingleSource, ro.Phase())
	assert.True(t, ro.Enabled("ci"), "the pilot starts in shadow mode")
	assert.False(t, ro.Enabled("npm"))
	assert.False(t, ro.Enabled("cargo"))

	st := ro.State()
	assert.Equal(t, ModeShadow, st.Sources["ci"].Mode)
	assert.Equal(t, ModeDisabled, st.Sources["npm"].Mode)

	// A second application does not reset anything.
	ro.ApplyPhaseDefaults()
	assert.True(t, ro.Enabled("ci"))
	assert.False(t, ro.Enabled("npm"))
}

func TestRolloutShouldInclude(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.RegisterSources([]string{"ci"})
	ro.ApplyPhaseDefaults()

	assert.True(t, ro.ShouldInclude("ci", "race-1"), "shadow includes everything")
	assert.False(t, ro.ShouldInclude("npm", "race-1"), "unknown source excluded")

	ro.EnableAll(ModeCanary)
	st := ro.State()
	require.Equal(t, ModeCanary, st.Sources["ci"].Mode)
	assert.Equal(t, 10, st.Sources["ci"].CanaryPercent)

	// Canary selection is stable per race ID.
	first := ro.ShouldInclude("ci", "race-1")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ro.ShouldInclude("ci", "race-1"))
	}

	included := 0
	for i := 0; i < 1000; i++ {
		if ro.ShouldInclude("ci", fmt.Sprintf("race-%d", i)) {
			included++
		}
	}
	assert.Greater(t, included, 30)
	assert.Less(t, included, 300, "roughly a tenth of races are canaried")

	ro.EnableAll(ModeProduction)
	assert.True(t, ro.ShouldInclude("ci", "race-1"))
}

func TestRolloutPromotionLadder(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.RegisterSources([]string{"ci"})
	ro.ApplyPhaseDefaults()

	ro.PromoteEligible()
	assert.Equal(t, ModeShadow, ro.State().Sources["ci"].Mode, "no successes, no promotion")

	for i := 0; i < shadowPromoteSuccesses; i++ {
		ro.Record("ci", true, Metrics{NoiseRatio: 0.05})
	}
	ro.PromoteEligible()
	st := ro.State()
	require.Equal(t, ModeCanary, st.Sources["ci"].Mode)
	assert.Equal(t, 10, st.Sources["ci"].CanaryPercent)

	for i := 0; i < canaryPromoteSuccesses-shadowPromoteSuccesses; i++ {
		ro.Record("ci", true, Metrics{NoiseRatio: 0.05})
	}
	ro.PromoteEligible()
	st = ro.State()
	require.Equal(t, ModeProduction, st.Sources["ci"].Mode)
	assert.Zero(t, st.Sources["ci"].CanaryPercent)

	// Ten straight successes satisfy the phase gate too.
	phase, advanced := ro.TryAdvance()
	require.True(t, advanced)
	assert.Equal(t, PhaseAllConservative, phase)
	assert.True(t, ro.Enabled("ci"))
	require.NotEmpty(t, ro.State().Transitions)
}

func TestRolloutAdvanceRequiresProduction(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.Restore(RolloutState{
		Phase: PhaseAllConservative,
		Sources: map[string]*SourceStatus{
			"ci":  {Source: "ci", Enabled: true, Mode: ModeProduction, Successes: 30},
			"npm": {Source: "npm", Enabled: true, Mode: ModeShadow, Successes: 30},
		},
	})
	_, advanced := ro.TryAdvance()
	assert.False(t, advanced, "a shadow source blocks the tuning phase")
}

func TestRolloutAdvanceToAutoTuning(t *testing.T) {
	cfg := DefaultRolloutConfig()
	cfg.MinRebuildsForPromotion = 1
	ro := NewRollout(cfg, testLogger())
	ro.Restore(RolloutState{
		Phase: PhaseAllConservative,
		Sources: map[string]*SourceStatus{
			"ci":  {Source: "ci", Enabled: true, Mode: ModeProduction, Successes: 3},
			"npm": {Source: "npm", Enabled: true, Mode: ModeProduction, Successes: 2},
		},
	})

	phase, advanced := ro.TryAdvance()
	require.True(t, advanced)
	assert.Equal(t, PhaseAutoTuning, phase)

	_, again := ro.TryAdvance()
	assert.False(t, again, "automatic tuning is the last phase")
}

func TestRolloutAutoRollback(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.RegisterSources([]string{"ci"})
	ro.ApplyPhaseDefaults()

	ro.Record("ci", true, Metrics{})
	ro.Record("ci", false, Metrics{MAE: 50})
	assert.NotEqual(t, PhaseRollback, ro.Phase(), "one failure in five is tolerated")

	ro.Record("ci", false, Metrics{})
	ro.Record("ci", false, Metrics{})
	assert.Equal(t, PhaseRollback, ro.Phase())
	assert.False(t, ro.Enabled("ci"))
	assert.Equal(t, 1, ro.State().Metrics.Rollbacks)

	// Rebuilds stay dark until an operator resets.
	ro.ApplyPhaseDefaults()
	assert.False(t, ro.Enabled("ci"))

	ro.Reset()
	assert.Equal(t, PhaseSingleSource, ro.Phase())
	assert.True(t, ro.Enabled("ci"))
	st := ro.State()
	assert.Zero(t, st.Sources["ci"].Successes)
	assert.Zero(t, st.Sources["ci"].Failures)
	assert.Equal(t, 1, st.Metrics.Rollbacks, "the rollback count survives a reset")
}

func TestRolloutManualRollback(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.RegisterSources([]string{"ci", "npm"})
	ro.EnableAll(ModeProduction)

	ro.TriggerRollback("operator request")
	assert.Equal(t, PhaseRollback, ro.Phase())
	assert.False(t, ro.Enabled("ci"))
	assert.False(t, ro.Enabled("npm"))

	trs := ro.State().Transitions
	require.NotEmpty(t, trs)
	assert.Equal(t, "operator request", trs[len(trs)-1].Reason)
}

func TestRolloutRecordMetrics(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.RegisterSources([]string{"ci"})
	ro.ApplyPhaseDefaults()

	ro.Record("ci", true, Metrics{MAE: 100, NoiseRatio: 0.2, ARI: 1})
	st := ro.State()
	assert.Equal(t, uint64(1), st.Metrics.TotalRebuilds)
	assert.Equal(t, uint64(1), st.Metrics.SuccessfulRebuilds)
	assert.InDelta(t, 10, st.Metrics.AverageMAE, 1e-9, "EMA from zero")
	assert.InDelta(t, 0.02, st.Metrics.AverageNoiseRatio, 1e-9)
	assert.False(t, st.Sources["ci"].LastRebuild.IsZero())
}

func TestRolloutStateCopy(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.RegisterSources([]string{"ci"})
	ro.ApplyPhaseDefaults()
	ro.Record("ci", true, Metrics{})

	st := ro.State()
	st.Sources["ci"].Mode = ModeProduction
	st.Sources["ci"].Successes = 99

	assert.Equal(t, ModeShadow, ro.State().Sources["ci"].Mode, "mutating a copy does not leak back")
	assert.Equal(t, 1, ro.State().Sources["ci"].Successes)
}

func TestRolloutRestore(t *testing.T) {
	ro := NewRollout(DefaultRolloutConfig(), testLogger())
	ro.Restore(RolloutState{
		Phase: PhaseAutoTuning,
		Sources: map[string]*SourceStatus{
			"ci": {Source: "ci", Enabled: true, Mode: ModeProduction, Successes: 42},
		},
	})
	assert.Equal(t, PhaseAutoTuning, ro.Phase())
	assert.True(t, ro.Enabled("ci"))

	fresh := NewRollout(DefaultRolloutConfig(), testLogger())
	fresh.Restore(RolloutState{})
	assert.Equal(t, PhaseSingleSource, fresh.Phase(), "empty state normalizes")
}
