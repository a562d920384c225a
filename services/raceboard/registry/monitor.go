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
	"time"
)

// Run drives the background monitor until the context ends. Each tick
// walks every instance once, applying the staleness ladder and
// evicting terminal registrations past their TTL.
func (r *Registry) Run(ctx context.Context) error {
	tick := time.NewTicker(r.cfg.MonitorInterval)
	defer tick.Stop()

	r.logger.Info("adapter monitor running", "interval", r.cfg.MonitorInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			r.sweep(ctx, time.Now())
		}
	}
}

// sweep applies clock-driven transitions and TTL eviction at now.
// Persistence and hooks run after the lock is released.
func (r *Registry) sweep(ctx context.Context, now time.Time) {
	var fired []Transition
	var changed []*Instance
	var evict []string

	r.mu.Lock()
	for key, in := range r.instances {
		if until, ok := r.graceUntil[key]; ok {
			if now.Before(until) {
				continue
			}
			delete(r.graceUntil, key)
		}
		if in.State.Terminal() {
			ttl := r.cfg.TTLStopped
			if in.State == StateAbandoned {
				ttl = r.cfg.TTLAbandoned
			}
			if now.Sub(in.StateChangedAt) > ttl {
				evict = append(evict, key)
			}
			continue
		}
		next, reason := nextForClock(in, now, r.cfg)
		if next == in.State {
			continue
		}
		tr, _ := r.applyLocked(in, next, reason, now)
		fired = append(fired, tr)
		changed = append(changed, in.clone())
	}
	for _, key := range evict {
		delete(r.instances, key)
	}
	r.mu.Unlock()

	for _, in := range changed {
		if err := r.persist(ctx, in); err != nil {
			r.logger.Warn("persist adapter state failed", "adapter", in.ID, "err", err)
		}
	}
	for _, key := range evict {
		if r.store != nil {
			if err := r.store.DeleteMeta(ctx, metaKeyPrefix+key); err != nil {
				r.logger.Warn("evict adapter record failed", "adapter", key, "err", err)
			}
		}
		r.logger.Info("adapter registration expired", "adapter", key)
	}
	for _, tr := range fired {
		if tr.To.Severity() >= 2 {
			r.logger.Warn("adapter state changed",
				"adapter", tr.ID, "from", tr.From, "to", tr.To, "reason", tr.Reason)
		} else {
			r.logger.Info("adapter state changed",
				"adapter", tr.ID, "from", tr.From, "to", tr.To, "reason", tr.Reason)
		}
		r.fire(tr)
	}
}
