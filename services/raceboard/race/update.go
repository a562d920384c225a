// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package race

import (
	"sort"
	"time"
)

// maxMetadataKeys bounds the per-race metadata map. Merges beyond the
// cap keep existing keys and admit new ones in sorted order until full.
const maxMetadataKeys = 64

// Update is a partial race mutation. Nil fields are left untouched.
// Both the PATCH endpoint and the full-record POST path reduce to an
// Update so the application rules live in exactly one place.
type Update struct {
	Title    *string           `json:"title,omitempty"`
	State    *State            `json:"state,omitempty"`
	Progress *int              `json:"progress,omitempty"`
	EtaSec   *int64            `json:"eta_sec,omitempty"`
	Deeplink *string           `json:"deeplink,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// EtaSource, EtaConfidence and UpdateIntervalHint are normally
	// inferred; the prediction engine sets them explicitly when it
	// injects a cluster or bootstrap estimate.
	EtaSource          *EtaSource `json:"eta_source,omitempty"`
	EtaConfidence      *float64   `json:"eta_confidence,omitempty"`
	UpdateIntervalHint *int64     `json:"update_interval_hint,omitempty"`
}

// Validate checks enum membership and value ranges. It does not consult
// the race; transition legality is handled field-by-field in Apply.
func (u *Update) Validate() error {
	if u.State != nil && !u.State.Valid() {
		return Invalidf("state", "unknown state %q", *u.State)
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return Invalidf("progress", "must be in [0,100], got %d", *u.Progress)
	}
	if u.EtaSec != nil && *u.EtaSec < 0 {
		return Invalidf("eta_sec", "must be >= 0, got %d", *u.EtaSec)
	}
	if u.EtaSource != nil && !u.EtaSource.Valid() {
		return Invalidf("eta_source", "unknown eta source %q", *u.EtaSource)
	}
	if u.EtaConfidence != nil && (*u.EtaConfidence < 0 || *u.EtaConfidence > 1) {
		return Invalidf("eta_confidence", "must be in [0,1], got %v", *u.EtaConfidence)
	}
	return nil
}

// Outcome reports what Apply actually did. Rejected fields never fail
// the whole update; they surface here so callers can log and report.
type Outcome struct {
	// Changed is true when any field took a new value.
	Changed bool

	// StateChanged is true when the lifecycle state moved.
	StateChanged bool

	// CompletedNow is true when this update made the race terminal;
	// the caller runs the completion pipeline.
	CompletedNow bool

	// EtaChanged is true when EtaSec took a new value.
	EtaChanged bool

	// ProgressChanged is true when Progress took a new value.
	ProgressChanged bool

	// ProgressRejected is true when a lower progress value was dropped
	// by the monotonicity clamp.
	ProgressRejected bool

	// StateRejected is true when the requested state was not a legal
	// transition and was dropped.
	StateRejected bool

	// Frozen is true when progress/ETA/state fields arrived on a
	// terminal race and were dropped.
	Frozen bool
}

// Apply mutates r according to u and the server-side rules:
//
//   - progress is clamped monotone; a lower value is a no-op on that
//     field while the rest of the update still applies
//   - eta_sec changes push an EtaRevision and advance last_eta_update;
//     identical values do nothing
//   - exact (calendar) ETAs are never replaced by predictions
//   - illegal state transitions are dropped field-wise
//   - on a terminal race only metadata merges and nothing else applies
//   - a transition into a terminal state seals completed_at and
//     duration_sec, and forces progress to 100 on passed
//
// Callers must Validate first; Apply assumes in-range values.
func (r *Race) Apply(u Update, now time.Time) Outcome {
	var out Outcome
	wasTerminal := r.State.Terminal()

	if u.Title != nil && !wasTerminal && *u.Title != r.Title && *u.Title != "" {
		r.Title = *u.Title
		out.Changed = true
	}
	if u.Deeplink != nil && !wasTerminal && *u.Deeplink != r.Deeplink {
		r.Deeplink = *u.Deeplink
		out.Changed = true
	}
	if len(u.Metadata) > 0 {
		if r.mergeMetadata(u.Metadata) {
			out.Changed = true
		}
	}

	if u.Progress != nil {
		switch {
		case wasTerminal:
			out.Frozen = true
		case r.Progress == nil || *u.Progress > *r.Progress:
			p := *u.Progress
			r.Progress = &p
			t := now
			r.LastProgressUpdate = &t
			out.ProgressChanged = true
			out.Changed = true
		case *u.Progress < *r.Progress:
			out.ProgressRejected = true
		}
	}

	if u.EtaSec != nil {
		if wasTerminal {
			out.Frozen = true
		} else if r.applyEta(u, now) {
			out.EtaChanged = true
			out.Changed = true
		}
	}

	if u.State != nil && *u.State != r.State {
		switch {
		case wasTerminal:
			out.Frozen = true
		case !r.State.canTransition(*u.State):
			out.StateRejected = true
		default:
			r.State = *u.State
			out.StateChanged = true
			out.Changed = true
			if r.State.Terminal() {
				r.seal(time.Time{}, now)
				out.CompletedNow = true
			}
		}
	}

	return out
}

// applyEta applies an ETA value change, returning true when the value
// moved. The exact guard: once a race carries a calendar-backed ETA,
// predictions (cluster/bootstrap) never replace it.
func (r *Race) applyEta(u Update, now time.Time) bool {
	src := InferEtaSource(r.Source)
	if u.EtaSource != nil {
		src = *u.EtaSource
	}

	if r.EtaSource == EtaSourceExact && src != EtaSourceExact {
		return false
	}
	if r.EtaSec != nil && *r.EtaSec == *u.EtaSec {
		return false
	}

	v := *u.EtaSec
	r.EtaSec = &v
	r.EtaSource = src

	conf := DefaultConfidence(src)
	if u.EtaConfidence != nil {
		conf = *u.EtaConfidence
	}
	r.EtaConfidence = &conf

	hint := DefaultUpdateIntervalHint(src)
	if u.UpdateIntervalHint != nil {
		hint = *u.UpdateIntervalHint
	}
	r.UpdateIntervalHint = &hint

	t := now
	r.LastEtaUpdate = &t
	r.pushEtaRevision(EtaRevision{EtaSec: v, Timestamp: now, Source: src, Confidence: conf})
	return true
}

// pushEtaRevision appends to the history ring, FIFO-evicting beyond
// MaxEtaHistory.
func (r *Race) pushEtaRevision(rev EtaRevision) {
	r.EtaHistory = append(r.EtaHistory, rev)
	if len(r.EtaHistory) > MaxEtaHistory {
		excess := len(r.EtaHistory) - MaxEtaHistory
		r.EtaHistory = append(r.EtaHistory[:0], r.EtaHistory[excess:]...)
	}
}

// mergeMetadata merges in new pairs, honoring the key cap. Existing keys
// always update; new keys are admitted in sorted order until the cap.
func (r *Race) mergeMetadata(in map[string]string) bool {
	changed := false
	if r.Metadata == nil {
		r.Metadata = make(map[string]string, len(in))
	}
	newKeys := make([]string, 0, len(in))
	for k, v := range in {
		if old, ok := r.Metadata[k]; ok {
			if old != v {
				r.Metadata[k] = v
				changed = true
			}
			continue
		}
		newKeys = append(newKeys, k)
	}
	sort.Strings(newKeys)
	for _, k := range newKeys {
		if len(r.Metadata) >= maxMetadataKeys {
			break
		}
		r.Metadata[k] = in[k]
		changed = true
	}
	return changed
}

// Normalize prepares a freshly ingested race record: fills defaults,
// applies the inference tables, seals already-terminal records, and
// validates ranges. It is called exactly once per race, at creation.
func (r *Race) Normalize(now time.Time) error {
	if !r.State.Valid() {
		return Invalidf("state", "unknown state %q", r.State)
	}
	if r.Progress != nil && (*r.Progress < 0 || *r.Progress > 100) {
		return Invalidf("progress", "must be in [0,100], got %d", *r.Progress)
	}
	if r.EtaSec != nil && *r.EtaSec < 0 {
		return Invalidf("eta_sec", "must be >= 0, got %d", *r.EtaSec)
	}
	if r.EtaSource != "" && !r.EtaSource.Valid() {
		return Invalidf("eta_source", "unknown eta source %q", r.EtaSource)
	}

	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if len(r.Metadata) > maxMetadataKeys {
		r.truncateMetadata()
	}

	if r.EtaSource == "" {
		r.EtaSource = InferEtaSource(r.Source)
	}
	if r.EtaConfidence == nil {
		c := DefaultConfidence(r.EtaSource)
		r.EtaConfidence = &c
	}
	if r.UpdateIntervalHint == nil {
		h := DefaultUpdateIntervalHint(r.EtaSource)
		r.UpdateIntervalHint = &h
	}

	if r.Progress != nil {
		t := now
		r.LastProgressUpdate = &t
	}
	if r.EtaSec != nil && len(r.EtaHistory) == 0 {
		t := now
		r.LastEtaUpdate = &t
		r.pushEtaRevision(EtaRevision{
			EtaSec:     *r.EtaSec,
			Timestamp:  now,
			Source:     r.EtaSource,
			Confidence: *r.EtaConfidence,
		})
	}

	if r.State.Terminal() {
		completedAt := time.Time{}
		if r.CompletedAt != nil {
			completedAt = *r.CompletedAt
			r.CompletedAt = nil
		}
		r.seal(completedAt, now)
	} else {
		// Lifecycle derivatives are server-owned; strays from the
		// adapter are dropped.
		r.CompletedAt = nil
		r.DurationSec = nil
	}
	return nil
}

// truncateMetadata deterministically shrinks an oversized map to the
// cap, keeping the smallest keys in sort order.
func (r *Race) truncateMetadata() {
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys[maxMetadataKeys:] {
		delete(r.Metadata, k)
	}
}

// AsUpdate converts a full incoming record into the equivalent partial
// update. The POST create-or-update path uses it when the race already
// exists; events are excluded (they only flow through the append path).
func (r *Race) AsUpdate() Update {
	u := Update{Metadata: r.Metadata}
	if r.Title != "" {
		t := r.Title
		u.Title = &t
	}
	if r.Deeplink != "" {
		d := r.Deeplink
		u.Deeplink = &d
	}
	if r.State != "" {
		s := r.State
		u.State = &s
	}
	if r.Progress != nil {
		p := *r.Progress
		u.Progress = &p
	}
	if r.EtaSec != nil {
		v := *r.EtaSec
		u.EtaSec = &v
	}
	if r.EtaSource != "" {
		es := r.EtaSource
		u.EtaSource = &es
	}
	if r.EtaConfidence != nil {
		c := *r.EtaConfidence
		u.EtaConfidence = &c
	}
	if r.UpdateIntervalHint != nil {
		h := *r.UpdateIntervalHint
		u.UpdateIntervalHint = &h
	}
	return u
}
