// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package race holds the raceboard domain model: the Race record, its
// lifecycle state machine, and the optimistic progress bookkeeping that
// every ingress path (REST and streaming) shares.
//
// A race is a long-running unit of work reported by an adapter: a CI
// pipeline, a local build, an AI session, a calendar block. Adapters own
// the facts (state, progress, adapter-side ETAs); the server owns the
// derived fields (completed_at, duration_sec, eta_history, monotone
// progress). All mutation goes through Normalize and Apply so the derived
// fields can never drift between transports.
package race

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// State is a race lifecycle state. States form a DAG:
// queued -> running -> {passed, failed, canceled}, with direct
// queued -> terminal allowed for one-shot work. Terminal states accept
// only metadata merges and event appends.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StatePassed   State = "passed"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

// Valid reports whether s is a member of the closed state enumeration.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StatePassed, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateCanceled:
		return true
	}
	return false
}

// canTransition reports whether s -> next is a legal edge of the
// lifecycle DAG. Same-state is not a transition.
func (s State) canTransition(next State) bool {
	if s == next || !next.Valid() {
		return false
	}
	switch s {
	case StateQueued:
		return next == StateRunning || next.Terminal()
	case StateRunning:
		return next.Terminal()
	default:
		// Terminal states are frozen.
		return false
	}
}

// EtaSource classifies where a race's ETA came from, in decreasing order
// of trust: exact (calendar-backed end times), adapter (CI systems that
// report their own estimates), cluster (learned from similar completed
// races), bootstrap (hard-coded defaults).
type EtaSource string

const (
	EtaSourceExact     EtaSource = "exact"
	EtaSourceAdapter   EtaSource = "adapter"
	EtaSourceCluster   EtaSource = "cluster"
	EtaSourceBootstrap EtaSource = "bootstrap"
)

// Valid reports whether e is a member of the closed enumeration.
func (e EtaSource) Valid() bool {
	switch e {
	case EtaSourceExact, EtaSourceAdapter, EtaSourceCluster, EtaSourceBootstrap:
		return true
	}
	return false
}

// MaxEtaHistory bounds the per-race ring of ETA revisions.
const MaxEtaHistory = 5

// Event is one entry of a race's append-only event log. The server
// assigns Timestamp on append.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EtaRevision is one entry of the eta_history ring. Revisions are pushed
// only when eta_sec actually changes value.
type EtaRevision struct {
	EtaSec     int64     `json:"eta_sec"`
	Timestamp  time.Time `json:"timestamp"`
	Source     EtaSource `json:"source"`
	Confidence float64   `json:"confidence"`
}

// Race is the unit of tracked work.
//
// Identity and descriptive fields come from adapters. The server manages
// the lifecycle derivatives (completed_at, duration_sec) and the
// optimistic-progress block (last_*_update, eta_source, eta_confidence,
// update_interval_hint, eta_history).
type Race struct {
	// ID is an opaque, globally unique identifier. The "adapter:" prefix
	// is reserved for the adapter registry and rejected on race paths.
	ID string `json:"id"`

	// Source is the adapter family, e.g. "gitlab", "google-calendar",
	// "cmd", "claude-code". Clusters never span sources.
	Source string `json:"source"`

	// Title is the human-facing short text shown in UIs.
	Title string `json:"title"`

	// State is the lifecycle state.
	State State `json:"state"`

	// StartedAt anchors the time index; it defaults to ingest time.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is set exactly once, when State first becomes terminal.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationSec = round(CompletedAt - StartedAt), server-computed.
	DurationSec *int64 `json:"duration_sec,omitempty"`

	// Progress is 0-100 and monotone non-decreasing once set.
	Progress *int `json:"progress,omitempty"`

	// EtaSec is the estimated seconds remaining.
	EtaSec *int64 `json:"eta_sec,omitempty"`

	// Deeplink is a URL into the source system (pipeline page, doc).
	Deeplink string `json:"deeplink,omitempty"`

	// Metadata is a bounded string map of adapter context (branch,
	// model, tool). Merged on update, never replaced wholesale.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Events is the append-only event log, capped per race.
	Events []Event `json:"events,omitempty"`

	// LastProgressUpdate advances whenever Progress changes to a new value.
	LastProgressUpdate *time.Time `json:"last_progress_update,omitempty"`

	// LastEtaUpdate advances whenever EtaSec changes to a new value.
	LastEtaUpdate *time.Time `json:"last_eta_update,omitempty"`

	// EtaSource classifies the current ETA; inferred from Source when
	// adapters omit it.
	EtaSource EtaSource `json:"eta_source,omitempty"`

	// EtaConfidence is in [0,1], defaulted from EtaSource.
	EtaConfidence *float64 `json:"eta_confidence,omitempty"`

	// UpdateIntervalHint tells UIs how often to expect fresh values, in
	// seconds.
	UpdateIntervalHint *int64 `json:"update_interval_hint,omitempty"`

	// EtaHistory is the ring of the last MaxEtaHistory ETA revisions.
	EtaHistory []EtaRevision `json:"eta_history,omitempty"`
}

// Terminal reports whether the race reached a final state.
func (r *Race) Terminal() bool { return r.State.Terminal() }

// Clone returns a deep copy. Broadcast snapshots and persistence use it
// so readers never alias the active store's map values.
func (r *Race) Clone() *Race {
	if r == nil {
		return nil
	}
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.DurationSec != nil {
		v := *r.DurationSec
		out.DurationSec = &v
	}
	if r.Progress != nil {
		v := *r.Progress
		out.Progress = &v
	}
	if r.EtaSec != nil {
		v := *r.EtaSec
		out.EtaSec = &v
	}
	if r.LastProgressUpdate != nil {
		t := *r.LastProgressUpdate
		out.LastProgressUpdate = &t
	}
	if r.LastEtaUpdate != nil {
		t := *r.LastEtaUpdate
		out.LastEtaUpdate = &t
	}
	if r.EtaConfidence != nil {
		v := *r.EtaConfidence
		out.EtaConfidence = &v
	}
	if r.UpdateIntervalHint != nil {
		v := *r.UpdateIntervalHint
		out.UpdateIntervalHint = &v
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Events != nil {
		out.Events = make([]Event, len(r.Events))
		for i, ev := range r.Events {
			out.Events[i] = ev
			if ev.Payload != nil {
				out.Events[i].Payload = append(json.RawMessage(nil), ev.Payload...)
			}
		}
	}
	if r.EtaHistory != nil {
		out.EtaHistory = append([]EtaRevision(nil), r.EtaHistory...)
	}
	return &out
}

// AppendEvent appends ev to the event log, evicting oldest-first beyond
// maxEvents. A maxEvents of zero or less means unbounded.
func (r *Race) AppendEvent(ev Event, maxEvents int) {
	r.Events = append(r.Events, ev)
	if maxEvents > 0 && len(r.Events) > maxEvents {
		excess := len(r.Events) - maxEvents
		r.Events = append(r.Events[:0], r.Events[excess:]...)
	}
}

// InferEtaSource maps an adapter family to the trust class of its ETAs.
// Calendar-backed sources report hard end times; the big CI systems
// report their own estimates; everything else starts from bootstrap
// defaults until clustering learns better.
func InferEtaSource(source string) EtaSource {
	switch {
	case source == "google-calendar" || strings.HasPrefix(source, "ics-"):
		return EtaSourceExact
	case source == "gitlab" || source == "github" || source == "jenkins":
		return EtaSourceAdapter
	default:
		return EtaSourceBootstrap
	}
}

// DefaultConfidence returns the table confidence for an ETA source class.
func DefaultConfidence(s EtaSource) float64 {
	switch s {
	case EtaSourceExact:
		return 1.0
	case EtaSourceCluster:
		return 0.7
	case EtaSourceAdapter:
		return 0.5
	default:
		return 0.2
	}
}

// DefaultUpdateIntervalHint returns how often, in seconds, UIs should
// expect fresh values for an ETA source class.
func DefaultUpdateIntervalHint(s EtaSource) int64 {
	switch s {
	case EtaSourceExact:
		return 60
	case EtaSourceCluster:
		return 15
	default:
		return 10
	}
}

// seal sets the completion derivatives exactly once: CompletedAt,
// DurationSec, and the forced progress=100 on passed.
func (r *Race) seal(completedAt, now time.Time) {
	if r.CompletedAt != nil {
		return
	}
	if completedAt.IsZero() {
		completedAt = now
	}
	r.CompletedAt = &completedAt
	dur := int64(math.Round(completedAt.Sub(r.StartedAt).Seconds()))
	if dur < 0 {
		dur = 0
	}
	r.DurationSec = &dur
	if r.State == StatePassed {
		p := 100
		if r.Progress == nil || *r.Progress != p {
			r.Progress = &p
			t := now
			r.LastProgressUpdate = &t
		}
	}
}
