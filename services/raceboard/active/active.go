// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package active holds the in-memory working set of races the server is
// currently tracking, including recently completed ones still shown in
// UIs. Every successful mutation broadcasts a change so streaming
// subscribers stay current without polling.
//
// The store is bounded: past max_active_races the oldest-started race is
// evicted, and per-race event logs are capped oldest-first. History is
// never served from here; the storage package owns that.
package active

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// Defaults for the store bounds.
const (
	DefaultMaxRaces  = 1000
	DefaultMaxEvents = 1000
)

// Store is the mutable working set. A single RWMutex serializes writers;
// reads take the shared lock. All returned races are deep copies, and
// records passed to Upsert become store-owned.
type Store struct {
	mu    sync.RWMutex
	races map[string]*race.Race

	maxRaces  int
	maxEvents int

	hub    *hub
	logger *slog.Logger

	evictions atomic.Uint64
}

// New creates an empty store. Non-positive bounds fall back to the
// defaults.
func New(maxRaces, maxEvents int, logger *slog.Logger) *Store {
	if maxRaces <= 0 {
		maxRaces = DefaultMaxRaces
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		races:     make(map[string]*race.Race),
		maxRaces:  maxRaces,
		maxEvents: maxEvents,
		hub:       newHub(),
		logger:    logger,
	}
}

// Len returns the number of tracked races.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.races)
}

// Get returns a copy of the race, or false if it is not tracked.
func (s *Store) Get(id string) (*race.Race, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.races[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns copies of all tracked races ordered by (started_at, id).
func (s *Store) List() []*race.Race {
	s.mu.RLock()
	out := make([]*race.Race, 0, len(s.races))
	for _, r := range s.races {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Upsert stores r, taking ownership of it, and broadcasts Created or
// Updated. It returns true when the race was not previously tracked.
func (s *Store) Upsert(r *race.Race) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.races[r.ID]
	if !existed {
		s.evictForInsertLocked()
	}
	s.races[r.ID] = r

	kind := ChangeUpdated
	if !existed {
		kind = ChangeCreated
	}
	// Published under the store lock so subscribers observe changes in
	// mutation order, consistent with the snapshot taken in Subscribe.
	s.hub.publish(Change{Kind: kind, RaceID: r.ID, Race: r.Clone()})
	return !existed
}

// Mutate atomically reads, transforms, and stores one race. fn receives
// a copy of the current record, or nil when the race is not tracked, and
// returns the record to store. Returning an error leaves the store
// unchanged. The store takes ownership of the returned record.
func (s *Store) Mutate(id string, fn func(cur *race.Race) (*race.Race, error)) (*race.Race, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, existed := s.races[id]
	var arg *race.Race
	if existed {
		arg = cur.Clone()
	}
	next, err := fn(arg)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		// No-op mutation; nothing stored, nothing broadcast.
		return arg, existed, nil
	}
	if !existed {
		s.evictForInsertLocked()
	}
	s.races[id] = next
	snapshot := next.Clone()

	kind := ChangeUpdated
	if !existed {
		kind = ChangeCreated
	}
	s.hub.publish(Change{Kind: kind, RaceID: id, Race: snapshot})
	return snapshot, !existed, nil
}

// AppendEvent appends to a race's event log, enforcing the per-race cap,
// and broadcasts Updated. Returns false when the race is not tracked.
func (s *Store) AppendEvent(id string, ev race.Event) (*race.Race, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.races[id]
	if !ok {
		return nil, false
	}
	r.AppendEvent(ev, s.maxEvents)
	snapshot := r.Clone()
	s.hub.publish(Change{Kind: ChangeUpdated, RaceID: id, Race: snapshot})
	return snapshot, true
}

// Delete removes a race from memory only and broadcasts Deleted with the
// final snapshot. History is untouched.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.races[id]
	if !ok {
		return false
	}
	delete(s.races, id)
	s.hub.publish(Change{Kind: ChangeDeleted, RaceID: id, Race: r.Clone()})
	return true
}

// evictForInsertLocked makes room for one insertion. Callers hold the
// write lock.
func (s *Store) evictForInsertLocked() {
	if len(s.races) < s.maxRaces {
		return
	}

	var victim *race.Race
	for _, r := range s.races {
		if victim == nil ||
			r.StartedAt.Before(victim.StartedAt) ||
			(r.StartedAt.Equal(victim.StartedAt) && r.ID < victim.ID) {
			victim = r
		}
	}
	if victim == nil {
		return
	}

	delete(s.races, victim.ID)
	s.evictions.Add(1)
	s.logger.Warn("active store full, evicting oldest race",
		slog.String("race_id", victim.ID),
		slog.String("source", victim.Source),
		slog.Time("started_at", victim.StartedAt),
		slog.Bool("terminal", victim.Terminal()))
	s.hub.publish(Change{Kind: ChangeDeleted, RaceID: victim.ID, Race: victim.Clone()})
}

// Subscribe registers a change subscriber. The snapshot taken under the
// same lock is gap-free: every change after it is delivered to the
// subscription, in order.
func (s *Store) Subscribe() ([]*race.Race, *Subscription) {
	s.mu.RLock()
	snapshot := make([]*race.Race, 0, len(s.races))
	for _, r := range s.races {
		snapshot = append(snapshot, r.Clone())
	}
	sub := s.hub.subscribe()
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].StartedAt.Equal(snapshot[j].StartedAt) {
			return snapshot[i].StartedAt.Before(snapshot[j].StartedAt)
		}
		return snapshot[i].ID < snapshot[j].ID
	})
	return snapshot, sub
}

// Stats reports store counters for admin and metrics surfaces.
type Stats struct {
	Races       int    `json:"races"`
	Subscribers int    `json:"subscribers"`
	Evictions   uint64 `json:"evictions"`
	Dropped     uint64 `json:"dropped_messages"`
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	races := len(s.races)
	s.mu.RUnlock()
	return Stats{
		Races:       races,
		Subscribers: s.hub.subscriberCount(),
		Evictions:   s.evictions.Load(),
		Dropped:     s.hub.droppedCount(),
	}
}

// Prune removes terminal races whose completion is older than maxAge.
// The janitor uses it to keep finished work from pinning the cap.
func (s *Store) Prune(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*race.Race
	for _, r := range s.races {
		if r.Terminal() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			victims = append(victims, r)
		}
	}
	for _, r := range victims {
		delete(s.races, r.ID)
		s.hub.publish(Change{Kind: ChangeDeleted, RaceID: r.ID, Race: r.Clone()})
	}
	return len(victims)
}
