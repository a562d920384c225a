// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package raceboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/raceboard/pkg/ids"
	"github.com/AleutianAI/raceboard/services/raceboard/active"
	"github.com/AleutianAI/raceboard/services/raceboard/cluster"
	"github.com/AleutianAI/raceboard/services/raceboard/config"
	"github.com/AleutianAI/raceboard/services/raceboard/monitor"
	"github.com/AleutianAI/raceboard/services/raceboard/predict"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
	"github.com/AleutianAI/raceboard/services/raceboard/registry"
	"github.com/AleutianAI/raceboard/services/raceboard/storage"
	"github.com/AleutianAI/raceboard/services/raceboard/telemetry"
)

// ServiceVersion is reported by GET /health.
const ServiceVersion = "1.0.0"

const serviceName = "Raceboard Server"

// Deps are the wired subsystems. Store and Active are required for a
// functional server; everything else degrades to a no-op when nil,
// which the tests lean on.
type Deps struct {
	Store     *storage.Store
	Active    *active.Store
	Predictor *predict.Engine
	Clusters  *cluster.Engine
	Registry  *registry.Registry
	Monitor   *monitor.Monitor
	Alerts    *monitor.AlertSystem
	Analytics *monitor.CompletionSink
	Mirror    *storage.Mirror
	Metrics   *telemetry.Metrics
}

// Service owns the request-facing race lifecycle. Handlers stay thin;
// every rule about what a mutation means lives here or in the race
// package.
type Service struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	readOnly   atomic.Bool
	compacting atomic.Bool
	rebuilding atomic.Bool

	completions chan completion

	mu     sync.Mutex
	parked []completion
}

// NewService wires a service over its dependencies. The read-only flag
// seeds from config and can be flipped at runtime by the config
// watcher.
func NewService(cfg *config.Config, deps Deps, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With("component", "service"),
		completions: make(chan completion, completionQueueDepth),
	}
	s.readOnly.Store(cfg.Server.ReadOnly)
	return s
}

// ReadOnly reports whether mutations are currently refused, either by
// operator request or because the store itself fell back to read-only
// at open.
func (s *Service) ReadOnly() bool {
	if s.readOnly.Load() {
		return true
	}
	return s.deps.Store != nil && s.deps.Store.ReadOnly()
}

// SetReadOnly flips the operator-controlled half of read-only mode.
func (s *Service) SetReadOnly(v bool) {
	if s.readOnly.Swap(v) != v {
		s.logger.Info("read-only mode changed", "read_only", v)
	}
}

func (s *Service) guardWrite() error {
	if s.ReadOnly() {
		return race.ErrReadOnly
	}
	return nil
}

// CreateOrUpdate ingests a full race record: a new ID creates, a known
// ID folds the record into the tracked race through the same rules as
// PATCH. Returns the post-application snapshot and whether a race was
// created.
func (s *Service) CreateOrUpdate(ctx context.Context, in *race.Race, now time.Time) (*race.Race, bool, error) {
	if err := s.guardWrite(); err != nil {
		return nil, false, err
	}
	if err := ids.ValidateRaceID(in.ID); err != nil {
		return nil, false, race.Invalidf("id", "%v", err)
	}
	if in.Source == "" {
		return nil, false, race.Invalidf("source", "must not be empty")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	if _, ok := s.deps.Active.Get(in.ID); ok {
		snap, err := s.update(ctx, in, now)
		if err == nil {
			return snap, false, nil
		}
		if !errors.Is(err, race.ErrNotFound) {
			return nil, false, err
		}
		// Deleted between the lookup and the mutation; fall through
		// and recreate.
	}

	if err := in.Normalize(now); err != nil {
		return nil, false, err
	}
	if !in.Terminal() && in.EtaSec == nil {
		s.predictEta(ctx, in, now)
	}

	snap := in.Clone()
	s.deps.Active.Upsert(in)
	s.countIngest(ctx, snap.Source)
	if snap.Terminal() {
		// One-shot terminal ingest, e.g. an adapter reporting a race it
		// only noticed after the fact. Runs the completion pipeline
		// like any live finish.
		s.completeRace(ctx, snap)
	}
	return snap, true, nil
}

func (s *Service) update(ctx context.Context, in *race.Race, now time.Time) (*race.Race, error) {
	snap, out, err := s.applyUpdate(ctx, in.ID, in.AsUpdate(), now)
	if err != nil {
		return nil, err
	}
	s.countIngest(ctx, snap.Source)
	if out.CompletedNow {
		s.completeRace(ctx, snap)
	}
	return snap, nil
}

// Patch applies a partial update to a tracked race and returns the
// post-application record. Rejected fields (stale progress, illegal
// transitions) do not fail the request; the snapshot shows what held.
func (s *Service) Patch(ctx context.Context, id string, u race.Update, now time.Time) (*race.Race, error) {
	if err := s.guardWrite(); err != nil {
		return nil, err
	}
	snap, out, err := s.applyUpdate(ctx, id, u, now)
	if err != nil {
		return nil, err
	}
	s.countIngest(ctx, snap.Source)
	if out.CompletedNow {
		s.completeRace(ctx, snap)
	}
	return snap, nil
}

// applyUpdate funnels every partial mutation through race.Apply inside
// the store's mutate lock. A no-change outcome maps to Mutate's nil
// return so nothing is re-stored or broadcast; the caller still gets
// the current snapshot.
func (s *Service) applyUpdate(ctx context.Context, id string, u race.Update, now time.Time) (*race.Race, race.Outcome, error) {
	if err := u.Validate(); err != nil {
		return nil, race.Outcome{}, err
	}

	var out race.Outcome
	snap, _, err := s.deps.Active.Mutate(id, func(cur *race.Race) (*race.Race, error) {
		if cur == nil {
			return nil, fmt.Errorf("race %s: %w", id, race.ErrNotFound)
		}
		out = cur.Apply(u, now)
		if !out.Changed {
			return nil, nil
		}
		return cur, nil
	})
	if err != nil {
		return nil, out, err
	}
	if out.StateRejected {
		s.logger.Warn("state transition rejected", "race_id", id, "state", snap.State)
	}
	if out.ProgressRejected {
		s.logger.Debug("stale progress dropped", "race_id", id)
	}
	return snap, out, nil
}

// predictEta fills a missing ETA on a fresh race through the prediction
// cascade. The estimate flows in as an Update so the value and its
// provenance land in the same history ring as adapter-sent ETAs.
func (s *Service) predictEta(ctx context.Context, r *race.Race, now time.Time) {
	if s.deps.Predictor == nil {
		return
	}
	est := s.deps.Predictor.Predict(r, now)
	u := race.Update{EtaSec: &est.EtaSec, EtaSource: &est.Source, EtaConfidence: &est.Confidence}
	r.Apply(u, now)
	if s.deps.Metrics != nil {
		s.deps.Metrics.PredictionsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("level", string(est.Source))))
	}
}

// AppendEvent attaches a display event to a tracked race. The server
// stamps the timestamp; event logs are advisory and never change race
// state.
func (s *Service) AppendEvent(ctx context.Context, id string, ev race.Event, now time.Time) (*race.Race, error) {
	if err := s.guardWrite(); err != nil {
		return nil, err
	}
	if ev.EventType == "" {
		return nil, race.Invalidf("event_type", "must not be empty")
	}
	ev.Timestamp = now
	snap, ok := s.deps.Active.AppendEvent(id, ev)
	if !ok {
		return nil, fmt.Errorf("race %s: %w", id, race.ErrNotFound)
	}
	return snap, nil
}

// Delete removes a race from the active set, typically a UI dismissal.
// History is untouched; completed races already persisted stay
// queryable. The removal is audited.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	if !s.deps.Active.Delete(id) {
		return fmt.Errorf("race %s: %w", id, race.ErrNotFound)
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Audit(ctx, storage.AuditRecord{Kind: "ui_delete", RaceID: id}); err != nil {
			s.logger.Warn("audit write failed", "kind", "ui_delete", "race_id", id, "err", err)
		}
	}
	return nil
}

// Get returns one race, reading through to history when it is no
// longer in the active set.
func (s *Service) Get(ctx context.Context, id string) (*race.Race, error) {
	if r, ok := s.deps.Active.Get(id); ok {
		return r, nil
	}
	if s.deps.Store != nil {
		r, err := s.deps.Store.GetRace(ctx, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, race.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("race %s: %w", id, race.ErrNotFound)
}

// ListActive returns the full active set ordered by start time.
func (s *Service) ListActive() []*race.Race {
	return s.deps.Active.List()
}

// ScanHistoric pages through completed races in persistent storage.
func (s *Service) ScanHistoric(ctx context.Context, q storage.ScanQuery) (*storage.ScanResult, error) {
	if s.deps.Store == nil {
		return nil, fmt.Errorf("no persistent store: %w", race.ErrUnavailable)
	}
	return s.deps.Store.ScanRaces(ctx, q)
}

// RegisterAdapter registers or re-registers an adapter instance.
// Registration is a write (the registry persists across restarts), so
// read-only mode refuses it.
func (s *Service) RegisterAdapter(ctx context.Context, reg registry.Registration, now time.Time) (*registry.Instance, error) {
	if err := s.guardWrite(); err != nil {
		return nil, err
	}
	if s.deps.Registry == nil {
		return nil, fmt.Errorf("adapter registry disabled: %w", race.ErrUnavailable)
	}
	return s.deps.Registry.Register(ctx, reg, now)
}

// ReportAdapterHealth applies a heartbeat. Allowed even in read-only
// mode: liveness tracking keeps working while writes are refused, the
// registry just cannot persist the state change.
func (s *Service) ReportAdapterHealth(ctx context.Context, rep registry.Report, now time.Time) (*registry.Instance, error) {
	if s.deps.Registry == nil {
		return nil, fmt.Errorf("adapter registry disabled: %w", race.ErrUnavailable)
	}
	return s.deps.Registry.Report(ctx, rep, now)
}

// DeregisterAdapter is the graceful shutdown path.
func (s *Service) DeregisterAdapter(ctx context.Context, key string, now time.Time) error {
	if err := s.guardWrite(); err != nil {
		return err
	}
	if s.deps.Registry == nil {
		return fmt.Errorf("adapter registry disabled: %w", race.ErrUnavailable)
	}
	return s.deps.Registry.Deregister(ctx, key, now)
}

// AdapterStatus lists every tracked adapter with the fleet summary.
func (s *Service) AdapterStatus() ([]*registry.Instance, registry.Summary) {
	if s.deps.Registry == nil {
		return nil, registry.Summary{}
	}
	return s.deps.Registry.List(), s.deps.Registry.Summary()
}

// AdapterByKey returns one adapter instance.
func (s *Service) AdapterByKey(key string) (*registry.Instance, error) {
	if s.deps.Registry == nil {
		return nil, fmt.Errorf("adapter registry disabled: %w", race.ErrUnavailable)
	}
	return s.deps.Registry.Get(key)
}

func (s *Service) countIngest(ctx context.Context, source string) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.RacesIngestedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)))
}

func (s *Service) countError(ctx context.Context, component string, kind race.Kind) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("kind", string(kind)),
	))
}
