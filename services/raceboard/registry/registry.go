// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry supervises adapter instances through a push-based
// health state machine. Adapters register, report on a declared
// interval, and deregister on clean shutdown; a background monitor
// walks silent instances down the staleness ladder and evicts dead
// registrations after their TTL. The registry is decoupled from race
// ingestion: race endpoints never infer adapter lifecycle.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/raceboard/pkg/ids"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// metaKeyPrefix scopes registry records inside the store's meta
// partition. The storage layer owns the exported constant; keeping an
// unexported duplicate avoids importing storage from here.
const metaKeyPrefix = "registry/"

// RecoveryMode picks what happens to persisted registrations on boot.
type RecoveryMode string

const (
	// RecoverClear drops all persisted registrations.
	RecoverClear RecoveryMode = "clear"

	// RecoverAbandon marks every live registration abandoned; adapters
	// must re-register.
	RecoverAbandon RecoveryMode = "abandon"

	// RecoverOptimistic keeps persisted states and gives each instance
	// a grace window to resume reporting before staleness rules apply.
	RecoverOptimistic RecoveryMode = "optimistic"
)

// Config tunes the registry. Zero values take defaults.
type Config struct {
	// ReportGrace is how long a fresh registration may stay silent
	// before timing out.
	ReportGrace time.Duration

	// DelayedMult, AbsentMult, AbandonedMult are the expected-interval
	// multipliers for the staleness ladder.
	DelayedMult   float64
	AbsentMult    float64
	AbandonedMult float64

	// TTLAbandoned and TTLStopped bound how long terminal
	// registrations are retained. Timed-out instances share the
	// stopped TTL.
	TTLAbandoned time.Duration
	TTLStopped   time.Duration

	// MaxPerType and MaxTotal cap live instances; terminal leftovers
	// awaiting TTL do not count.
	MaxPerType int
	MaxTotal   int

	// MonitorInterval is the background sweep cadence.
	MonitorInterval time.Duration

	// Recovery is applied by Restore on boot.
	Recovery RecoveryMode

	// ExemptTypes lists adapter types that never report health.
	ExemptTypes []string
}

func (c Config) withDefaults() Config {
	if c.ReportGrace <= 0 {
		c.ReportGrace = 30 * time.Second
	}
	if c.DelayedMult <= 0 {
		c.DelayedMult = 1.5
	}
	if c.AbsentMult <= 0 {
		c.AbsentMult = 2.0
	}
	if c.AbandonedMult <= 0 {
		c.AbandonedMult = 3.0
	}
	if c.TTLAbandoned <= 0 {
		c.TTLAbandoned = 24 * time.Hour
	}
	if c.TTLStopped <= 0 {
		c.TTLStopped = time.Hour
	}
	if c.MaxPerType <= 0 {
		c.MaxPerType = 10
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 100
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	switch c.Recovery {
	case RecoverClear, RecoverAbandon, RecoverOptimistic:
	default:
		c.Recovery = RecoverOptimistic
	}
	if c.ExemptTypes == nil {
		c.ExemptTypes = []string{"claude-code", "cmd"}
	}
	return c
}

// Metrics is the operational counters an adapter ships with each
// health report.
type Metrics struct {
	RacesCreated   uint64     `json:"races_created"`
	RacesUpdated   uint64     `json:"races_updated"`
	ErrorCount     uint64     `json:"error_count"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	ResponseTimeMS int64      `json:"response_time_ms,omitempty"`
	MemoryBytes    int64      `json:"memory_usage_bytes,omitempty"`
	CPUPercent     float64    `json:"cpu_usage_percent,omitempty"`
}

// Registration is the register request body. Either the canonical ID
// or the (adapter_type, instance_id) pair identifies the instance;
// when both appear they must agree.
type Registration struct {
	ID           string            `json:"id,omitempty"`
	Type         string            `json:"adapter_type"`
	InstanceID   string            `json:"instance_id"`
	DisplayName  string            `json:"display_name,omitempty"`
	Version      string            `json:"version,omitempty"`
	IntervalSec  int64             `json:"health_interval_seconds"`
	PID          int               `json:"pid,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Report is the health report request body.
type Report struct {
	AdapterID string  `json:"adapter_id"`
	Status    string  `json:"status,omitempty"`
	Error     string  `json:"error,omitempty"`
	Metrics   Metrics `json:"metrics"`
}

// Instance is one tracked adapter registration.
type Instance struct {
	ID           string            `json:"id"`
	Type         string            `json:"adapter_type"`
	InstanceID   string            `json:"instance_id"`
	DisplayName  string            `json:"display_name,omitempty"`
	Version      string            `json:"version,omitempty"`
	PID          int               `json:"pid,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Handle is the opaque token returned at registration.
	Handle string `json:"handle"`

	State          State      `json:"state"`
	PreviousState  State      `json:"previous_state,omitempty"`
	RegisteredAt   time.Time  `json:"registered_at"`
	StateChangedAt time.Time  `json:"state_changed_at"`
	LastReportAt   *time.Time `json:"last_report_at,omitempty"`
	IntervalSec    int64      `json:"expected_interval_sec"`
	LastMetrics    Metrics    `json:"last_metrics"`
	LastError      string     `json:"last_error,omitempty"`
}

func (in *Instance) interval() time.Duration {
	return time.Duration(in.IntervalSec) * time.Second
}

func (in *Instance) clone() *Instance {
	out := *in
	if in.LastReportAt != nil {
		t := *in.LastReportAt
		out.LastReportAt = &t
	}
	if in.LastMetrics.LastActivity != nil {
		t := *in.LastMetrics.LastActivity
		out.LastMetrics.LastActivity = &t
	}
	if in.Capabilities != nil {
		out.Capabilities = append([]string(nil), in.Capabilities...)
	}
	if in.Metadata != nil {
		out.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Transition is one observed state change, fed to the transition hook
// and the logs.
type Transition struct {
	ID     string    `json:"id"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Summary is the registry roll-up surfaced by /health and the status
// endpoint.
type Summary struct {
	Total        int           `json:"total"`
	ByState      map[State]int `json:"by_state"`
	RacesCreated uint64        `json:"races_created"`
	RacesUpdated uint64        `json:"races_updated"`

	// Operational is false while any live instance sits at severity 2
	// (critical or absent).
	Operational bool `json:"operational"`
}

// Persister writes registry records through the store's meta
// partition.
type Persister interface {
	SetMeta(ctx context.Context, name string, v any) error
	DeleteMeta(ctx context.Context, name string) error
	ScanMeta(ctx context.Context, prefix string, fn func(name string, raw []byte) error) error
}

// Registry tracks adapter instances. One mutex serializes all
// operations; the table is small (at most MaxTotal live entries) and
// every operation is O(instances) or better.
type Registry struct {
	cfg    Config
	store  Persister
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance

	// graceUntil suppresses staleness rules per instance after an
	// optimistic restart. Never persisted.
	graceUntil map[string]time.Time

	notify func(Transition)
}

// New builds a Registry. store may be nil (nothing persists).
func New(cfg Config, store Persister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:        cfg.withDefaults(),
		store:      store,
		logger:     logger.With("component", "registry"),
		instances:  make(map[string]*Instance),
		graceUntil: make(map[string]time.Time),
	}
}

// OnTransition installs a hook invoked after every applied state
// change, outside the registry lock. Install before Run.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.notify = fn
}

func (r *Registry) fire(tr Transition) {
	if r.notify != nil {
		r.notify(tr)
	}
}

// exempt reports whether adapterType never reports health.
func (r *Registry) exempt(adapterType string) bool {
	for _, t := range r.cfg.ExemptTypes {
		if t == adapterType {
			return true
		}
	}
	return false
}

func resolveID(reg Registration) (ids.AdapterID, error) {
	if reg.ID != "" {
		id, err := ids.ParseAdapterID(reg.ID)
		if err != nil {
			return ids.AdapterID{}, race.Invalidf("id", "%v", err)
		}
		if reg.Type != "" && reg.Type != id.Type {
			return ids.AdapterID{}, race.Invalidf("adapter_type", "%q does not match id %q", reg.Type, reg.ID)
		}
		if reg.InstanceID != "" && reg.InstanceID != id.Instance {
			return ids.AdapterID{}, race.Invalidf("instance_id", "%q does not match id %q", reg.InstanceID, reg.ID)
		}
		return id, nil
	}
	id, err := ids.NewAdapterID(reg.Type, reg.InstanceID)
	if err != nil {
		return ids.AdapterID{}, race.Invalidf("id", "%v", err)
	}
	return id, nil
}

// Register creates a new Initializing (or Exempt) instance and returns
// it with a fresh registration handle. A live duplicate key conflicts;
// a terminal leftover under the same key is replaced. Capacity caps
// count live instances only.
func (r *Registry) Register(ctx context.Context, reg Registration, now time.Time) (*Instance, error) {
	id, err := resolveID(reg)
	if err != nil {
		return nil, err
	}
	if reg.IntervalSec < 0 {
		return nil, race.Invalidf("health_interval_seconds", "must not be negative")
	}
	key := id.String()

	r.mu.Lock()
	if existing, ok := r.instances[key]; ok && !existing.State.Terminal() {
		r.mu.Unlock()
		return nil, fmt.Errorf("adapter %s already registered: %w", key, race.ErrConflict)
	}
	live, perType := 0, 0
	for _, in := range r.instances {
		if in.State.Terminal() {
			continue
		}
		live++
		if in.Type == id.Type {
			perType++
		}
	}
	if live >= r.cfg.MaxTotal {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry full (%d live instances): %w", live, race.ErrRateLimited)
	}
	if perType >= r.cfg.MaxPerType {
		r.mu.Unlock()
		return nil, fmt.Errorf("too many %s instances (%d): %w", id.Type, perType, race.ErrRateLimited)
	}

	state := StateInitializing
	intervalSec := reg.IntervalSec
	if intervalSec == 0 || r.exempt(id.Type) {
		// An adapter that declares no interval cannot be staleness
		// checked, so it is exempt regardless of type.
		state = StateExempt
		intervalSec = 0
	}
	in := &Instance{
		ID:             key,
		Type:           id.Type,
		InstanceID:     id.Instance,
		DisplayName:    reg.DisplayName,
		Version:        reg.Version,
		PID:            reg.PID,
		Capabilities:   append([]string(nil), reg.Capabilities...),
		Handle:         uuid.NewString(),
		State:          state,
		RegisteredAt:   now,
		StateChangedAt: now,
		IntervalSec:    intervalSec,
	}
	if reg.Metadata != nil {
		in.Metadata = make(map[string]string, len(reg.Metadata))
		for k, v := range reg.Metadata {
			in.Metadata[k] = v
		}
	}
	prev := r.instances[key]
	r.instances[key] = in
	delete(r.graceUntil, key)
	out := in.clone()
	r.mu.Unlock()

	if err := r.persist(ctx, out); err != nil {
		r.mu.Lock()
		if prev != nil {
			r.instances[key] = prev
		} else {
			delete(r.instances, key)
		}
		r.mu.Unlock()
		return nil, err
	}
	r.logger.Info("adapter registered",
		"adapter", key,
		"state", state,
		"interval_sec", intervalSec)
	return out, nil
}

// Report applies a health report. Reports to terminal instances
// conflict (the adapter must re-register); everything else moves to
// running, warning, or critical per the report. last_report_at only
// moves forward because the server stamps arrival order under the
// lock.
func (r *Registry) Report(ctx context.Context, rep Report, now time.Time) (*Instance, error) {
	if rep.AdapterID == "" {
		return nil, race.Invalidf("adapter_id", "must not be empty")
	}
	if _, err := ids.ParseAdapterID(rep.AdapterID); err != nil {
		return nil, race.Invalidf("adapter_id", "%v", err)
	}
	switch rep.Status {
	case "", StatusOK, StatusWarning, StatusCritical:
	default:
		return nil, race.Invalidf("status", "must be ok, warning, or critical")
	}

	r.mu.Lock()
	in, ok := r.instances[rep.AdapterID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("adapter %s: %w", rep.AdapterID, race.ErrNotFound)
	}
	if in.State.Terminal() {
		st := in.State
		r.mu.Unlock()
		return nil, fmt.Errorf("adapter %s is %s, re-register to resume: %w", rep.AdapterID, st, race.ErrConflict)
	}
	ts := now
	in.LastReportAt = &ts
	in.LastMetrics = rep.Metrics
	in.LastError = rep.Error
	tr, changed := r.applyLocked(in, nextForReport(in.State, rep.Status, rep.Error), "health report", now)
	delete(r.graceUntil, rep.AdapterID)
	out := in.clone()
	r.mu.Unlock()

	if err := r.persist(ctx, out); err != nil {
		// The next report re-persists; losing one is harmless.
		r.logger.Debug("persist health report failed", "adapter", out.ID, "err", err)
	}
	if changed {
		r.logger.Info("adapter state changed",
			"adapter", tr.ID, "from", tr.From, "to", tr.To, "reason", tr.Reason)
		r.fire(tr)
	}
	return out, nil
}

// Deregister moves the instance to stopped. Deregistering an already
// stopped instance is a no-op.
func (r *Registry) Deregister(ctx context.Context, key string, now time.Time) error {
	r.mu.Lock()
	in, ok := r.instances[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("adapter %s: %w", key, race.ErrNotFound)
	}
	if in.State == StateStopped {
		r.mu.Unlock()
		return nil
	}
	tr, _ := r.applyLocked(in, StateStopped, "deregistered", now)
	delete(r.graceUntil, key)
	out := in.clone()
	r.mu.Unlock()

	if err := r.persist(ctx, out); err != nil {
		return err
	}
	r.logger.Info("adapter deregistered", "adapter", key)
	r.fire(tr)
	return nil
}

// Get returns a copy of one instance.
func (r *Registry) Get(key string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.instances[key]
	if !ok {
		return nil, fmt.Errorf("adapter %s: %w", key, race.ErrNotFound)
	}
	return in.clone(), nil
}

// List returns copies of all instances sorted by ID.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	out := make([]*Instance, 0, len(r.instances))
	for _, in := range r.instances {
		out = append(out, in.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary rolls up the instance table.
func (r *Registry) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		Total:       len(r.instances),
		ByState:     make(map[State]int),
		Operational: true,
	}
	for _, in := range r.instances {
		s.ByState[in.State]++
		s.RacesCreated += in.LastMetrics.RacesCreated
		s.RacesUpdated += in.LastMetrics.RacesUpdated
		if !in.State.Terminal() && in.State.Severity() >= 2 {
			s.Operational = false
		}
	}
	return s
}

// applyLocked moves in to the given state, recording the previous
// state and the change time. Callers hold r.mu.
func (r *Registry) applyLocked(in *Instance, to State, reason string, now time.Time) (Transition, bool) {
	if in.State == to {
		return Transition{}, false
	}
	tr := Transition{ID: in.ID, From: in.State, To: to, At: now, Reason: reason}
	in.PreviousState = in.State
	in.State = to
	in.StateChangedAt = now
	return tr, true
}

func (r *Registry) persist(ctx context.Context, in *Instance) error {
	if r.store == nil {
		return nil
	}
	return r.store.SetMeta(ctx, metaKeyPrefix+in.ID, in)
}

// Restore loads persisted registrations and applies the configured
// recovery mode: clear drops everything, abandon declares every live
// instance dead, optimistic keeps states and grants each instance a
// grace window before the staleness ladder resumes.
func (r *Registry) Restore(ctx context.Context, now time.Time) error {
	if r.store == nil {
		return nil
	}
	if r.cfg.Recovery == RecoverClear {
		var names []string
		err := r.store.ScanMeta(ctx, metaKeyPrefix, func(name string, raw []byte) error {
			names = append(names, name)
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan registry records: %w", err)
		}
		for _, name := range names {
			if err := r.store.DeleteMeta(ctx, name); err != nil {
				r.logger.Warn("clear registry record failed", "key", name, "err", err)
			}
		}
		r.logger.Info("adapter registry cleared", "records", len(names))
		return nil
	}

	var loaded []*Instance
	err := r.store.ScanMeta(ctx, metaKeyPrefix, func(name string, raw []byte) error {
		var in Instance
		if err := json.Unmarshal(raw, &in); err != nil {
			r.logger.Warn("corrupt registry record skipped", "key", name, "err", err)
			return nil
		}
		if in.ID == "" {
			r.logger.Warn("registry record missing id skipped", "key", name)
			return nil
		}
		loaded = append(loaded, &in)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan registry records: %w", err)
	}

	var abandoned []*Instance
	r.mu.Lock()
	for _, in := range loaded {
		r.instances[in.ID] = in
		if in.State.Terminal() || in.State == StateExempt {
			continue
		}
		if r.cfg.Recovery == RecoverAbandon {
			r.applyLocked(in, StateAbandoned, "server restart", now)
			abandoned = append(abandoned, in.clone())
			continue
		}
		grace := r.cfg.ReportGrace
		if in.IntervalSec > 0 {
			grace = max(grace, scaled(in.interval(), r.cfg.DelayedMult))
		}
		r.graceUntil[in.ID] = now.Add(grace)
	}
	total := len(r.instances)
	r.mu.Unlock()

	for _, in := range abandoned {
		if err := r.persist(ctx, in); err != nil {
			r.logger.Warn("persist abandoned adapter failed", "adapter", in.ID, "err", err)
		}
	}
	r.logger.Info("adapter registry restored",
		"instances", total,
		"mode", r.cfg.Recovery,
		"abandoned", len(abandoned))
	return nil
}
