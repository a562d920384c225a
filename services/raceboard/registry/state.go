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
	"fmt"
	"time"
)

// State is the lifecycle position of one adapter instance. Transitions
// happen on health reports, on explicit deregistration, and on the
// monitor's staleness ladder; nothing else moves an instance.
type State string

const (
	// StateInitializing is the post-register state. The first report
	// must arrive within the report grace or the instance times out.
	StateInitializing State = "initializing"

	// StateRunning means reports arrive on schedule with no issues.
	StateRunning State = "running"

	// StateWarning and StateCritical mean reports arrive on schedule
	// but carry non-fatal issues. Staleness rules treat them like
	// StateRunning.
	StateWarning  State = "warning"
	StateCritical State = "critical"

	// StateDelayed, StateAbsent, StateAbandoned is the staleness
	// ladder: a missed report past 1.5x, 2x, then 3x the expected
	// interval.
	StateDelayed   State = "delayed"
	StateAbsent    State = "absent"
	StateAbandoned State = "abandoned"

	// StateTimedOut means the instance registered but never sent its
	// first report.
	StateTimedOut State = "timed_out"

	// StateStopped is an explicit deregistration.
	StateStopped State = "stopped"

	// StateExempt marks adapter types that do not report health
	// (hook-based wrappers, one-shot runners). The staleness ladder
	// never touches them.
	StateExempt State = "exempt"
)

// Terminal reports whether no transition leaves s. Terminal instances
// are retained until their TTL; coming back requires a fresh
// registration.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateAbandoned, StateTimedOut:
		return true
	}
	return false
}

// Severity ranks states for alerting and the health gauge: 0 normal,
// 1 degraded, 2 failing, 3 dead.
func (s State) Severity() int {
	switch s {
	case StateWarning, StateDelayed:
		return 1
	case StateCritical, StateAbsent:
		return 2
	case StateAbandoned, StateTimedOut:
		return 3
	}
	return 0
}

// Statuses a health report may carry. An empty status means ok.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// nextForReport is the state a valid health report moves an instance
// into. Exempt instances accept reports without leaving exempt; the
// caller rejects reports to terminal instances before getting here.
func nextForReport(in State, status, errMsg string) State {
	if in == StateExempt {
		return StateExempt
	}
	switch status {
	case StatusCritical:
		return StateCritical
	case StatusWarning:
		return StateWarning
	default:
		if errMsg != "" {
			return StateWarning
		}
		return StateRunning
	}
}

// nextForClock applies the staleness ladder to one instance at now and
// returns the new state with a human-readable reason, or the current
// state when no rule fires. Each sweep moves at most one edge, so a
// machine that slept through several thresholds still walks
// Running -> Delayed -> Absent -> Abandoned over consecutive sweeps.
func nextForClock(in *Instance, now time.Time, cfg Config) (State, string) {
	switch in.State {
	case StateExempt, StateStopped, StateAbandoned, StateTimedOut:
		return in.State, ""
	}

	if in.LastReportAt == nil {
		if in.State == StateInitializing && now.Sub(in.StateChangedAt) > cfg.ReportGrace {
			return StateTimedOut, fmt.Sprintf("no first report within %s", cfg.ReportGrace)
		}
		return in.State, ""
	}

	interval := in.interval()
	elapsed := now.Sub(*in.LastReportAt)
	switch in.State {
	case StateRunning, StateWarning, StateCritical:
		if elapsed > scaled(interval, cfg.DelayedMult) {
			return StateDelayed, staleReason(elapsed, interval)
		}
	case StateDelayed:
		if elapsed > scaled(interval, cfg.AbsentMult) {
			return StateAbsent, staleReason(elapsed, interval)
		}
	case StateAbsent:
		if elapsed > scaled(interval, cfg.AbandonedMult) {
			return StateAbandoned, staleReason(elapsed, interval)
		}
	}
	return in.State, ""
}

func scaled(d time.Duration, mult float64) time.Duration {
	return time.Duration(float64(d) * mult)
}

func staleReason(elapsed, interval time.Duration) string {
	return fmt.Sprintf("no report for %s (interval %s)", elapsed.Round(time.Second), interval)
}
