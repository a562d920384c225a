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
	"time"
)

const snapshotCheckInterval = time.Hour

// RunSnapshots exports one snapshot per UTC day until the context
// ends. The last snapshot day seeds from the manifests already on
// disk, so a crash-looping server does not grind out a snapshot per
// restart. A failed export retries on the next hourly check.
func (s *Service) RunSnapshots(ctx context.Context) error {
	if !s.cfg.Snapshots.Daily || s.deps.Store == nil {
		return nil
	}

	lastDay := ""
	if snaps, err := s.deps.Store.ListSnapshots(ctx); err != nil {
		s.logger.Warn("snapshot manifest listing failed", "err", err)
	} else {
		var latest time.Time
		for _, m := range snaps {
			if m.CreatedAt.After(latest) {
				latest = m.CreatedAt
			}
		}
		if !latest.IsZero() {
			lastDay = latest.UTC().Format(time.DateOnly)
		}
	}

	tick := time.NewTicker(snapshotCheckInterval)
	defer tick.Stop()

	for {
		if day := time.Now().UTC().Format(time.DateOnly); day != lastDay {
			if man, err := s.SnapshotNow(ctx); err != nil {
				s.logger.Error("daily snapshot failed", "err", err)
			} else {
				s.logger.Info("daily snapshot exported",
					"file", man.File, "races", man.Races, "size_bytes", man.SizeBytes)
				lastDay = day
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
