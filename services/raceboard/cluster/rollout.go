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
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Phase is the global stage of the rebuild rollout.
type Phase string

const (
	// PhaseSingleSource runs rebuilds for the pilot source only.
	PhaseSingleSource Phase = "single_source"
	// PhaseAllConservative rebuilds every source with tightened
	// parameters.
	PhaseAllConservative Phase = "all_sources_conservative"
	// PhaseAutoTuning lets per-source parameter learning take over.
	PhaseAutoTuning Phase = "automatic_tuning"
	// PhaseRollback halts all rebuilds until an operator resets.
	PhaseRollback Phase = "rollback"
)

// Mode is a source's participation level in rebuilds.
type Mode string

const (
	ModeDisabled   Mode = "disabled"
	ModeShadow     Mode = "shadow"
	ModeCanary     Mode = "canary"
	ModeProduction Mode = "production"
)

// Promotion gates between modes.
const (
	shadowPromoteSuccesses = 5
	canaryPromoteSuccesses = 10
	recentOutcomeWindow    = 10
	rollbackFailureRate    = 0.5
	metricsEMAAlpha        = 0.1
)

// RolloutConfig tunes phase progression.
type RolloutConfig struct {
	PilotSource             string  `json:"pilot_source" yaml:"pilot_source"`
	CanaryPercent           int     `json:"canary_percent" yaml:"canary_percent"`
	SuccessThreshold        float64 `json:"success_threshold" yaml:"success_threshold"`
	MinRebuildsForPromotion int     `json:"min_rebuilds_for_promotion" yaml:"min_rebuilds_for_promotion"`
	AutoRollback            bool    `json:"auto_rollback" yaml:"auto_rollback"`
}

// DefaultRolloutConfig pilots on CI, canaries 10% of races, and rolls
// back automatically on sustained failures.
func DefaultRolloutConfig() RolloutConfig {
	return RolloutConfig{
		PilotSource:             "ci",
		CanaryPercent:           10,
		SuccessThreshold:        0.95,
		MinRebuildsForPromotion: 10,
		AutoRollback:            true,
	}
}

func (c RolloutConfig) withDefaults() RolloutConfig {
	d := DefaultRolloutConfig()
	if c.PilotSource == "" {
		c.PilotSource = d.PilotSource
	}
	if c.CanaryPercent <= 0 || c.CanaryPercent > 100 {
		c.CanaryPercent = d.CanaryPercent
	}
	if c.SuccessThreshold <= 0 || c.SuccessThreshold > 1 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.MinRebuildsForPromotion <= 0 {
		c.MinRebuildsForPromotion = d.MinRebuildsForPromotion
	}
	return c
}

// SourceStatus is one source's rollout position.
type SourceStatus struct {
	Source        string    `json:"source"`
	Enabled       bool      `json:"enabled"`
	Mode          Mode      `json:"mode"`
	CanaryPercent int       `json:"canary_percent,omitempty"`
	LastRebuild   time.Time `json:"last_rebuild"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
	// Recent holds the last rebuild outcomes, oldest first.
	Recent []bool `json:"recent,omitempty"`
}

func (s *SourceStatus) successRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(total)
}

// RolloutMetrics aggregates rebuild outcomes across sources. Averages
// are exponential moving averages.
type RolloutMetrics struct {
	TotalRebuilds      uint64  `json:"total_rebuilds"`
	SuccessfulRebuilds uint64  `json:"successful_rebuilds"`
	FailedRebuilds     uint64  `json:"failed_rebuilds"`
	AverageMAE         float64 `json:"average_mae"`
	AverageNoiseRatio  float64 `json:"average_noise_ratio"`
	AverageARI         float64 `json:"average_ari"`
	Rollbacks          int     `json:"rollbacks"`
}

// PhaseTransition records one phase change for the audit trail.
type PhaseTransition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// maxTransitionHistory bounds the persisted transition log.
const maxTransitionHistory = 50

// RolloutState is the serializable rollout position, persisted through
// the store's meta partition and restored on boot.
type RolloutState struct {
	Phase       Phase                    `json:"phase"`
	Sources     map[string]*SourceStatus `json:"sources"`
	Metrics     RolloutMetrics           `json:"metrics"`
	Transitions []PhaseTransition        `json:"transitions,omitempty"`
}

// Rollout moves the rebuild system through its deployment phases and
// decides which sources, and which of their races, each rebuild may
// touch.
type Rollout struct {
	mu     sync.Mutex
	cfg    RolloutConfig
	logger *slog.Logger
	state  RolloutState
}

// NewRollout starts in the single-source phase with no sources
// registered.
func NewRollout(cfg RolloutConfig, logger *slog.Logger) *Rollout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollout{
		cfg:    cfg.withDefaults(),
		logger: logger,
		state: RolloutState{
			Phase:   PhaseSingleSource,
			Sources: make(map[string]*SourceStatus),
		},
	}
}

// Restore replaces the rollout position with a persisted one.
func (ro *Rollout) Restore(st RolloutState) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	if st.Phase == "" {
		st.Phase = PhaseSingleSource
	}
	if st.Sources == nil {
		st.Sources = make(map[string]*SourceStatus)
	}
	ro.state = st
	enabled := 0
	for _, s := range st.Sources {
		if s.Enabled {
			enabled++
		}
	}
	ro.logger.Info("rollout state restored",
		"phase", st.Phase,
		"sources", len(st.Sources),
		"enabled", enabled)
}

// State returns a deep copy for persistence and admin reads.
func (ro *Rollout) State() RolloutState {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	return ro.copyStateLocked()
}

func (ro *Rollout) copyStateLocked() RolloutState {
	out := ro.state
	out.Sources = make(map[string]*SourceStatus, len(ro.state.Sources))
	for name, s := range ro.state.Sources {
		cp := *s
		cp.Recent = append([]bool(nil), s.Recent...)
		out.Sources[name] = &cp
	}
	out.Transitions = append([]PhaseTransition(nil), ro.state.Transitions...)
	return out
}

// Phase returns the current rollout phase.
func (ro *Rollout) Phase() Phase {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	return ro.state.Phase
}

// RegisterSources adds newly discovered sources as disabled entries.
// Existing entries are untouched.
func (ro *Rollout) RegisterSources(sources []string) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	for _, source := range sources {
		if _, ok := ro.state.Sources[source]; ok {
			continue
		}
		ro.state.Sources[source] = &SourceStatus{Source: source, Mode: ModeDisabled}
		ro.logger.Info("rollout registered source", "source", source)
	}
}

// ApplyPhaseDefaults enables sources according to the current phase
// when nothing is enabled yet, which happens on first boot and after
// registration wipes. Restored state with enabled sources is left
// alone.
func (ro *Rollout) ApplyPhaseDefaults() {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	for _, s := range ro.state.Sources {
		if s.Enabled {
			return
		}
	}

	switch ro.state.Phase {
	case PhaseSingleSource:
		if s, ok := ro.state.Sources[ro.cfg.PilotSource]; ok {
			s.Enabled = true
			s.Mode = ModeShadow
			ro.logger.Info("rollout enabled pilot source", "source", s.Source, "mode", s.Mode)
		}
	case PhaseAllConservative:
		for _, s := range ro.state.Sources {
			s.Enabled = true
			s.Mode = ModeShadow
		}
	case PhaseAutoTuning:
		for _, s := range ro.state.Sources {
			s.Enabled = true
			s.Mode = ModeProduction
		}
	case PhaseRollback:
		// Stays dark until an operator resets.
	}
}

// EnableAll force-enables every registered source in the given mode.
// Admin escape hatch for installations that do not want the gradual
// ramp.
func (ro *Rollout) EnableAll(mode Mode) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	for _, s := range ro.state.Sources {
		s.Enabled = true
		s.Mode = mode
		if mode == ModeCanary && s.CanaryPercent == 0 {
			s.CanaryPercent = ro.cfg.CanaryPercent
		}
	}
	ro.logger.Info("rollout enabled all sources", "mode", mode, "sources", len(ro.state.Sources))
}

// Reset returns to the single-source phase with fresh counters. The
// pilot restarts in shadow mode; everything else is disabled.
func (ro *Rollout) Reset() {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	prev := ro.state.Phase
	ro.state.Phase = PhaseSingleSource
	ro.state.Metrics = RolloutMetrics{Rollbacks: ro.state.Metrics.Rollbacks}
	for _, s := range ro.state.Sources {
		s.Enabled = s.Source == ro.cfg.PilotSource
		if s.Enabled {
			s.Mode = ModeShadow
		} else {
			s.Mode = ModeDisabled
		}
		s.Successes = 0
		s.Failures = 0
		s.Recent = nil
	}
	ro.recordTransitionLocked(prev, PhaseSingleSource, "manual reset")
	ro.logger.Info("rollout reset to single-source phase", "pilot", ro.cfg.PilotSource)
}

// Enabled reports whether the source participates in rebuilds at all.
func (ro *Rollout) Enabled(source string) bool {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	s, ok := ro.state.Sources[source]
	return ok && s.Enabled && s.Mode != ModeDisabled
}

// ShouldInclude decides whether one race takes part in a rebuild. In
// canary mode the race ID hashes into a stable percentage bucket, so
// the same races are selected on every pass.
func (ro *Rollout) ShouldInclude(source, raceID string) bool {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	s, ok := ro.state.Sources[source]
	if !ok || !s.Enabled {
		return false
	}
	switch s.Mode {
	case ModeShadow, ModeProduction:
		return true
	case ModeCanary:
		pct := s.CanaryPercent
		if pct <= 0 {
			pct = ro.cfg.CanaryPercent
		}
		return xxhash.Sum64String(raceID)%100 < uint64(pct)
	default:
		return false
	}
}

// Record feeds one rebuild outcome into the rollout. Sustained
// failures trip the automatic rollback when enabled.
func (ro *Rollout) Record(source string, passed bool, m Metrics) {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	ro.state.Metrics.TotalRebuilds++
	if passed {
		ro.state.Metrics.SuccessfulRebuilds++
	} else {
		ro.state.Metrics.FailedRebuilds++
	}
	ro.state.Metrics.AverageMAE = ema(ro.state.Metrics.AverageMAE, m.MAE)
	ro.state.Metrics.AverageNoiseRatio = ema(ro.state.Metrics.AverageNoiseRatio, m.NoiseRatio)
	ro.state.Metrics.AverageARI = ema(ro.state.Metrics.AverageARI, m.ARI)

	s, ok := ro.state.Sources[source]
	if !ok {
		s = &SourceStatus{Source: source, Mode: ModeDisabled}
		ro.state.Sources[source] = s
	}
	if passed {
		s.Successes++
		s.LastRebuild = time.Now().UTC()
	} else {
		s.Failures++
	}
	s.Recent = append(s.Recent, passed)
	if len(s.Recent) > recentOutcomeWindow {
		s.Recent = s.Recent[len(s.Recent)-recentOutcomeWindow:]
	}

	if !passed && ro.cfg.AutoRollback && ro.state.Phase != PhaseRollback {
		if rate := ro.recentFailureRateLocked(); rate > rollbackFailureRate {
			ro.rollbackLocked("recent failure rate above 50%")
		}
	}
}

func ema(prev, v float64) float64 {
	return metricsEMAAlpha*v + (1-metricsEMAAlpha)*prev
}

// recentFailureRateLocked averages each source's failure fraction over
// its last five outcomes.
func (ro *Rollout) recentFailureRateLocked() float64 {
	if len(ro.state.Sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range ro.state.Sources {
		recent := s.Recent
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		failed := 0
		for _, passed := range recent {
			if !passed {
				failed++
			}
		}
		sum += float64(failed) / 5
	}
	return sum / float64(len(ro.state.Sources))
}

// TriggerRollback disables every source and parks the rollout until an
// operator resets it. The incumbent clusters stay live throughout.
func (ro *Rollout) TriggerRollback(reason string) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.rollbackLocked(reason)
}

func (ro *Rollout) rollbackLocked(reason string) {
	prev := ro.state.Phase
	ro.state.Phase = PhaseRollback
	ro.state.Metrics.Rollbacks++
	for _, s := range ro.state.Sources {
		s.Enabled = false
		s.Mode = ModeDisabled
	}
	ro.recordTransitionLocked(prev, PhaseRollback, reason)
	ro.logger.Warn("rollout rolled back", "from", prev, "reason", reason)
}

// PromoteEligible moves sources up the mode ladder: shadow to canary
// after five passing rebuilds at the configured success rate, canary
// to production after ten.
func (ro *Rollout) PromoteEligible() {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	for _, s := range ro.state.Sources {
		if !s.Enabled {
			continue
		}
		switch s.Mode {
		case ModeShadow:
			if s.Successes >= shadowPromoteSuccesses && s.successRate() >= ro.cfg.SuccessThreshold {
				s.Mode = ModeCanary
				s.CanaryPercent = ro.cfg.CanaryPercent
				ro.logger.Info("rollout promoted source to canary",
					"source", s.Source, "percent", s.CanaryPercent)
			}
		case ModeCanary:
			if s.Successes >= canaryPromoteSuccesses && s.successRate() >= ro.cfg.SuccessThreshold {
				s.Mode = ModeProduction
				s.CanaryPercent = 0
				ro.logger.Info("rollout promoted source to production", "source", s.Source)
			}
		}
	}
}

// TryAdvance moves to the next phase when the current one has proven
// itself. Reports the new phase when a transition happened.
func (ro *Rollout) TryAdvance() (Phase, bool) {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	switch ro.state.Phase {
	case PhaseSingleSource:
		pilot, ok := ro.state.Sources[ro.cfg.PilotSource]
		if !ok || pilot.Mode != ModeProduction || pilot.Successes < ro.cfg.MinRebuildsForPromotion {
			return ro.state.Phase, false
		}
		ro.state.Phase = PhaseAllConservative
		for _, s := range ro.state.Sources {
			if s.Source == ro.cfg.PilotSource {
				continue
			}
			s.Enabled = true
			s.Mode = ModeShadow
		}
		ro.recordTransitionLocked(PhaseSingleSource, PhaseAllConservative, "pilot source proven, enabling all sources")
		ro.logger.Info("rollout advanced", "phase", ro.state.Phase)
		return ro.state.Phase, true

	case PhaseAllConservative:
		total := 0
		for _, s := range ro.state.Sources {
			if !s.Enabled || s.Mode != ModeProduction {
				return ro.state.Phase, false
			}
			total += s.Successes
		}
		if len(ro.state.Sources) == 0 || total < ro.cfg.MinRebuildsForPromotion*5 {
			return ro.state.Phase, false
		}
		ro.state.Phase = PhaseAutoTuning
		ro.recordTransitionLocked(PhaseAllConservative, PhaseAutoTuning, "all sources in production, enabling automatic tuning")
		ro.logger.Info("rollout advanced", "phase", ro.state.Phase)
		return ro.state.Phase, true

	default:
		return ro.state.Phase, false
	}
}

func (ro *Rollout) recordTransitionLocked(from, to Phase, reason string) {
	ro.state.Transitions = append(ro.state.Transitions, PhaseTransition{
		From:   from,
		To:     to,
		At:     time.Now().UTC(),
		Reason: reason,
	})
	if len(ro.state.Transitions) > maxTransitionHistory {
		ro.state.Transitions = ro.state.Transitions[len(ro.state.Transitions)-maxTransitionHistory:]
	}
}
