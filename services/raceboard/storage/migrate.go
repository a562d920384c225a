// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// legacyImportMarker records that the one-time JSON import ran.
const legacyImportMarker = "migration/json_import_v1"

// MigrationReport records the outcome of a legacy import.
type MigrationReport struct {
	Imported int       `json:"imported"`
	Skipped  int       `json:"skipped"`
	At       time.Time `json:"at"`
}

// ImportLegacyJSON imports races from the pre-database JSON file once.
// Subsequent calls are no-ops; the marker under meta/migration/ makes
// the import idempotent across restarts. A missing file is not an error.
func (s *Store) ImportLegacyJSON(ctx context.Context, path string) (*MigrationReport, error) {
	if err := s.guardWrite(); err != nil {
		return nil, err
	}

	var prior MigrationReport
	err := s.GetMeta(ctx, legacyImportMarker, &prior)
	if err == nil {
		return &prior, nil
	}
	if !errors.Is(err, race.ErrNotFound) {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &MigrationReport{}, nil
		}
		return nil, fmt.Errorf("read legacy file %s: %w", path, err)
	}

	races, err := decodeLegacyRaces(raw)
	if err != nil {
		return nil, fmt.Errorf("decode legacy file %s: %w", path, err)
	}

	report := &MigrationReport{At: time.Now().UTC()}
	for _, r := range races {
		if r.ID == "" || r.Source == "" {
			report.Skipped++
			continue
		}
		if r.StartedAt.IsZero() {
			r.StartedAt = report.At
		}
		if err := s.PutRace(ctx, r, ""); err != nil {
			s.logger.Warn("legacy import skipping race",
				slog.String("race_id", r.ID),
				slog.String("error", err.Error()))
			report.Skipped++
			continue
		}
		report.Imported++
	}

	if err := s.SetMeta(ctx, legacyImportMarker, report); err != nil {
		return report, fmt.Errorf("record migration marker: %w", err)
	}
	if err := s.appendAudit(ctx, AuditRecord{
		Kind: "migration",
		Note: fmt.Sprintf("imported %d races, skipped %d", report.Imported, report.Skipped),
		At:   report.At,
	}); err != nil {
		s.logger.Warn("record migration audit failed", slog.String("error", err.Error()))
	}

	s.logger.Info("legacy race file imported",
		slog.String("path", path),
		slog.Int("imported", report.Imported),
		slog.Int("skipped", report.Skipped))
	return report, nil
}

// decodeLegacyRaces accepts both layouts the old file went through: a
// plain array of races and a map of id to race.
func decodeLegacyRaces(raw []byte) ([]*race.Race, error) {
	var list []*race.Race
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var byID map[string]*race.Race
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil, err
	}
	list = make([]*race.Race, 0, len(byID))
	for id, r := range byID {
		if r == nil {
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		list = append(list, r)
	}
	return list, nil
}
