// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package active

import (
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// ChangeKind labels what happened to a race.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one store mutation. Race is a point-in-time snapshot that
// subscribers must treat as read-only; for Deleted it carries the final
// state the race had.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	RaceID string     `json:"race_id"`
	Race   *race.Race `json:"race"`
}

// Message is what subscribers receive. Exactly one field is set: Change
// for a delivered mutation, or Lagged > 0 when the subscriber fell
// behind and Lagged changes were dropped. After a lag the subscriber's
// view is stale and it must resync from a fresh snapshot.
type Message struct {
	Change *Change
	Lagged int
}

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 100

type subscriber struct {
	ch     chan Message
	lagged int
}

// hub fans changes out to subscribers without ever blocking a writer.
// Delivery to each subscriber is in order; overflow collapses into a
// single Lagged marker carrying the drop count.
type hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe() *Subscription {
	sub := &subscriber{ch: make(chan Message, DefaultSubscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return &Subscription{C: sub.ch, hub: h, sub: sub}
}

func (h *hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.deliver(sub, c)
	}
}

// deliver is called with the hub lock held. A pending lag marker is
// flushed before any new change so subscribers always learn about a gap
// in order.
func (h *hub) deliver(sub *subscriber, c Change) {
	if sub.lagged > 0 {
		select {
		case sub.ch <- Message{Lagged: sub.lagged}:
			sub.lagged = 0
		default:
			sub.lagged++
			h.dropped.Add(1)
			return
		}
	}
	msg := Message{Change: &Change{Kind: c.Kind, RaceID: c.RaceID, Race: c.Race}}
	select {
	case sub.ch <- msg:
	default:
		sub.lagged = 1
		h.dropped.Add(1)
	}
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

func (h *hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) droppedCount() uint64 {
	return h.dropped.Load()
}

// Subscription is one receiver of store changes. Read from C until it
// closes; call Close exactly once when done to release the slot.
type Subscription struct {
	C    <-chan Message
	hub  *hub
	sub  *subscriber
	once sync.Once
}

// Close unregisters the subscription and closes C. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s.sub) })
}
