// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package raceboard assembles the tracking server: it wires the active
// set, persistence, prediction, clustering, and the adapter registry
// behind the REST surface, and owns the completion pipeline that moves
// finished races from memory into history.
package raceboard

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/raceboard/services/raceboard/monitor"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
	"github.com/AleutianAI/raceboard/services/raceboard/registry"
	"github.com/AleutianAI/raceboard/services/raceboard/storage"
)

// ErrorResponse is the uniform error body. Error carries the machine
// kind (validation, not_found, conflict, ...), Message the human text.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AppendEventRequest is the body of POST /race/{id}/event. The server
// stamps the timestamp on receipt; clients cannot backdate events.
type AppendEventRequest struct {
	EventType string          `json:"event_type" binding:"required"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RacesResponse lists the active set.
type RacesResponse struct {
	Races []*race.Race `json:"races"`
	Count int          `json:"count"`
}

// DeleteRaceResponse acknowledges a single-race delete.
type DeleteRaceResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// HistoricRacesResponse is one page of completed races. NextCursor is
// present only when more pages remain; CorruptSkipped counts records
// that failed to decode and were passed over.
type HistoricRacesResponse struct {
	Items          []*race.Race `json:"items"`
	NextCursor     string       `json:"next_cursor,omitempty"`
	Count          int          `json:"count"`
	CorruptSkipped int          `json:"corrupt_skipped,omitempty"`
}

// RegisterAdapterResponse confirms a registration and echoes the
// interval the server will hold the adapter to.
type RegisterAdapterResponse struct {
	Status      string `json:"status"`
	AdapterID   string `json:"adapter_id"`
	IntervalSec int64  `json:"health_interval_seconds"`
	Message     string `json:"message"`
}

// HealthReportResponse acknowledges a health report and tells the
// adapter what state the server now has it in.
type HealthReportResponse struct {
	Status    string         `json:"status"`
	AdapterID string         `json:"adapter_id"`
	State     registry.State `json:"state"`
	Message   string         `json:"message"`
}

// DeregisterResponse acknowledges a graceful adapter shutdown.
type DeregisterResponse struct {
	Status    string `json:"status"`
	AdapterID string `json:"adapter_id"`
	Message   string `json:"message"`
}

// AdapterStatusResponse lists every tracked adapter with the fleet
// summary.
type AdapterStatusResponse struct {
	Adapters []*registry.Instance `json:"adapters"`
	Summary  registry.Summary     `json:"summary"`
}

// HealthResponse is the GET /health body. Status is "ok" or "degraded";
// degraded means read-only mode or a critical storage error, not that
// requests will fail.
type HealthResponse struct {
	Status   string                `json:"status"`
	Service  string                `json:"service"`
	Version  string                `json:"version"`
	ReadOnly bool                  `json:"read_only_mode_active"`
	Storage  monitor.StorageHealth `json:"storage"`
	Adapters registry.Summary      `json:"adapters"`
}

// PurgeRequest names the races to remove from history. Reason and
// RequestedBy go into the audit trail.
type PurgeRequest struct {
	RaceIDs     []string `json:"race_ids" binding:"required,min=1,dive,required,raceid"`
	Reason      string   `json:"reason,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// PurgeResponse reports how many of the requested races existed.
type PurgeResponse struct {
	Purged   int `json:"purged"`
	NotFound int `json:"not_found"`
}

// JobAccepted acknowledges a background maintenance job (compaction,
// cluster rebuild). The job runs detached; progress lands in logs and
// metrics, not in a pollable API.
type JobAccepted struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// RebuildRequest optionally narrows a cluster rebuild to named sources.
// Empty means every source with completed races.
type RebuildRequest struct {
	Sources []string `json:"sources,omitempty"`
}

// EnableAllRequest sets every rollout source to one mode.
type EnableAllRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// RolloutActionResponse acknowledges a rollout mutation.
type RolloutActionResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode,omitempty"`
}

// StorageReport is the GET /admin/storage-report body: what is on disk,
// how writes have been behaving, and whether the store is healthy.
type StorageReport struct {
	SchemaVersion string                     `json:"schema_version"`
	DBSizeBytes   int64                      `json:"db_size_bytes"`
	Partitions    storage.PartitionCounts    `json:"partitions"`
	SLO           monitor.SLOReport          `json:"slo"`
	Health        storage.Health             `json:"health"`
	Snapshots     []storage.SnapshotManifest `json:"snapshots,omitempty"`
}

// MetricsSummary is the GET /admin/metrics body, a point-in-time JSON
// census for operators without a Prometheus scraper.
type MetricsSummary struct {
	Timestamp time.Time             `json:"timestamp"`
	Active    activeStats           `json:"active"`
	Storage   storage.Health        `json:"storage"`
	Census    monitor.StorageHealth `json:"census"`
	SLO       monitor.SLOReport     `json:"slo"`
	Clusters  clusterStats          `json:"clusters"`
}

type activeStats struct {
	Races       int    `json:"races"`
	Subscribers int    `json:"subscribers"`
	Evictions   uint64 `json:"evictions"`
	Dropped     uint64 `json:"dropped_changes"`
}

type clusterStats struct {
	Version uint64 `json:"version"`
	Total   int    `json:"total"`
}
