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
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
	"github.com/AleutianAI/raceboard/services/raceboard/registry"
	"github.com/AleutianAI/raceboard/services/raceboard/storage"
)

// Handlers holds the service dependencies for the HTTP handlers.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates a Handlers instance over the service.
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// HandleCreateOrUpdateRace ingests a full race record.
//
// Description: A new ID creates the race; a known ID folds the record
// into the tracked race under the same rules as PATCH, so adapters can
// blindly re-POST their current view. An omitted ID gets a server
// UUID. Terminal records run the completion pipeline immediately.
//
// Request Body: a race record. source and state are required.
//
// Responses:
//   - 200 OK: post-application race record
//   - 400 Bad Request: malformed body, reserved ID, invalid fields
//   - 429 Too Many Requests: ingest budget exhausted
//   - 503 Service Unavailable: read-only mode
func (h *Handlers) HandleCreateOrUpdateRace(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleCreateOrUpdateRace")

	var in race.Race
	if err := c.ShouldBindJSON(&in); err != nil {
		logger.Warn("malformed race body", "err", err)
		bindError(c, err)
		return
	}

	snap, created, err := h.svc.CreateOrUpdate(c.Request.Context(), &in, time.Now().UTC())
	if err != nil {
		logger.Warn("race ingest rejected", "race_id", in.ID, "source", in.Source, "err", err)
		writeError(c, err)
		return
	}
	logger.Debug("race ingested", "race_id", snap.ID, "source", snap.Source, "created", created)
	c.JSON(http.StatusOK, snap)
}

// HandleGetRace fetches a single race by ID.
//
// Description: Reads the active set first, then persistent history, so
// a race stays addressable after it completes and ages out of memory.
//
// Responses:
//   - 200 OK: the race record
//   - 404 Not Found: unknown ID in both tiers
func (h *Handlers) HandleGetRace(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGetRace")

	id := c.Param("id")
	r, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		logger.Debug("race lookup failed", "race_id", id, "err", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// HandlePatchRace applies a partial update to a tracked race.
//
// Description: Only the fields present in the body change. Stale
// progress and illegal state transitions are dropped, not errors; the
// response shows what actually held.
//
// Responses:
//   - 200 OK: post-application race record
//   - 400 Bad Request: invalid field values
//   - 404 Not Found: race is not in the active set
//   - 503 Service Unavailable: read-only mode
func (h *Handlers) HandlePatchRace(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandlePatchRace")

	id := c.Param("id")
	var u race.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		logger.Warn("malformed update body", "race_id", id, "err", err)
		bindError(c, err)
		return
	}

	snap, err := h.svc.Patch(c.Request.Context(), id, u, time.Now().UTC())
	if err != nil {
		logger.Warn("race update rejected", "race_id", id, "err", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleDeleteRace dismisses a race from the active set.
//
// Description: UI-facing removal. Persistent history is untouched; a
// completed race stays queryable under /historic/races.
//
// Responses:
//   - 200 OK: removed
//   - 404 Not Found: race is not in the active set
//   - 503 Service Unavailable: read-only mode
func (h *Handlers) HandleDeleteRace(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleDeleteRace")

	id := c.Param("id")
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		logger.Debug("race delete failed", "race_id", id, "err", err)
		writeError(c, err)
		return
	}
	logger.Info("race deleted", "race_id", id)
	c.JSON(http.StatusOK, DeleteRaceResponse{Message: "Race deleted successfully", ID: id})
}

// HandleAppendEvent attaches a display event to a tracked race.
//
// Description: Events are advisory annotations for UIs (log lines,
// stage markers). The server stamps arrival time; events never change
// race state.
//
// Responses:
//   - 200 OK: race record including the new event
//   - 400 Bad Request: missing event_type
//   - 404 Not Found: race is not in the active set
//   - 503 Service Unavailable: read-only mode
func (h *Handlers) HandleAppendEvent(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleAppendEvent")

	id := c.Param("id")
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("malformed event body", "race_id", id, "err", err)
		bindError(c, err)
		return
	}

	ev := race.Event{EventType: req.EventType, Payload: req.Payload}
	snap, err := h.svc.AppendEvent(c.Request.Context(), id, ev, time.Now().UTC())
	if err != nil {
		logger.Debug("event append failed", "race_id", id, "err", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleListRaces returns the whole active set ordered by start time.
//
// Responses:
//   - 200 OK: {races, count}
func (h *Handlers) HandleListRaces(c *gin.Context) {
	getOrCreateRequestID(c)
	races := h.svc.ListActive()
	c.JSON(http.StatusOK, RacesResponse{Races: races, Count: len(races)})
}

// HandleHistoricRaces pages through completed races.
//
// Description: Serves from persistent storage. The window is
// [from, to) on completion time; pagination is cursor-based and a page
// never repeats or skips races completed while paging.
//
// Query Parameters:
//   - source: exact source filter
//   - from, to: RFC 3339 completion-time window
//   - limit: page size, default 100, max 1000
//   - cursor: opaque resume token from the previous page
//   - include_events: include event logs, default false
//
// Responses:
//   - 200 OK: {items, next_cursor?, count}
//   - 400 Bad Request: unparseable window or limit
func (h *Handlers) HandleHistoricRaces(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleHistoricRaces")

	q := storage.ScanQuery{
		Source: c.Query("source"),
		Cursor: c.Query("cursor"),
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, race.Invalidf("from", "not RFC 3339: %v", err))
			return
		}
		q.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, race.Invalidf("to", "not RFC 3339: %v", err))
			return
		}
		q.To = t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, race.Invalidf("limit", "must be a non-negative integer"))
			return
		}
		q.Limit = n
	}
	if raw := c.Query("include_events"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, race.Invalidf("include_events", "must be a boolean"))
			return
		}
		q.IncludeEvents = b
	}

	res, err := h.svc.ScanHistoric(c.Request.Context(), q)
	if err != nil {
		logger.Error("history scan failed", "source", q.Source, "err", err)
		writeError(c, err)
		return
	}
	if res.CorruptSkipped > 0 {
		logger.Warn("history scan skipped corrupt records", "count", res.CorruptSkipped)
	}
	c.JSON(http.StatusOK, HistoricRacesResponse{
		Items:          res.Races,
		NextCursor:     res.NextCursor,
		Count:          len(res.Races),
		CorruptSkipped: res.CorruptSkipped,
	})
}

// HandleRegisterAdapter registers an adapter instance.
//
// Description: Idempotent per (adapter_type, instance_id); a restarted
// adapter re-registers under the same identity and resumes. The
// response carries the adapter_id to use in health reports.
//
// Responses:
//   - 201 Created: {status, adapter_id, health_interval_seconds, message}
//   - 400 Bad Request: invalid type or instance id
//   - 409 Conflict: per-type or global instance cap reached
//   - 503 Service Unavailable: read-only mode
func (h *Handlers) HandleRegisterAdapter(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleRegisterAdapter")

	var reg registry.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		logger.Warn("malformed registration body", "err", err)
		bindError(c, err)
		return
	}

	inst, err := h.svc.RegisterAdapter(c.Request.Context(), reg, time.Now().UTC())
	if err != nil {
		logger.Warn("adapter registration rejected", "adapter_type", reg.Type, "err", err)
		writeError(c, err)
		return
	}
	logger.Info("adapter registered", "adapter_id", inst.ID, "interval_sec", inst.IntervalSec)
	c.JSON(http.StatusCreated, RegisterAdapterResponse{
		Status:      "registered",
		AdapterID:   inst.ID,
		IntervalSec: inst.IntervalSec,
		Message:     "Adapter registered successfully",
	})
}

// HandleAdapterHealth applies an adapter heartbeat.
//
// Description: Moves the adapter through the health state machine and
// echoes the resulting state so an adapter can notice it has been
// marked warning or critical.
//
// Responses:
//   - 200 OK: {status, adapter_id, state, message}
//   - 400 Bad Request: bad adapter_id or status value
//   - 404 Not Found: adapter never registered or already expired
//   - 409 Conflict: adapter is stopped or abandoned, re-register
func (h *Handlers) HandleAdapterHealth(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleAdapterHealth")

	var rep registry.Report
	if err := c.ShouldBindJSON(&rep); err != nil {
		logger.Warn("malformed health report", "err", err)
		bindError(c, err)
		return
	}

	inst, err := h.svc.ReportAdapterHealth(c.Request.Context(), rep, time.Now().UTC())
	if err != nil {
		logger.Debug("health report rejected", "adapter_id", rep.AdapterID, "err", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, HealthReportResponse{
		Status:    "ok",
		AdapterID: inst.ID,
		State:     inst.State,
		Message:   "Health report received",
	})
}

// HandleDeregisterAdapter is the graceful adapter shutdown path.
//
// Responses:
//   - 200 OK: {status, adapter_id, message}
//   - 404 Not Found: unknown adapter
//   - 503 Service Unavailable: read-only mode
func (h *Handlers) HandleDeregisterAdapter(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleDeregisterAdapter")

	key := c.Param("key")
	if err := h.svc.DeregisterAdapter(c.Request.Context(), key, time.Now().UTC()); err != nil {
		logger.Debug("deregister failed", "adapter_id", key, "err", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DeregisterResponse{
		Status:    "deregistered",
		AdapterID: key,
		Message:   "Adapter deregistered successfully",
	})
}

// HandleAdapterStatus lists every tracked adapter with the fleet
// summary.
func (h *Handlers) HandleAdapterStatus(c *gin.Context) {
	getOrCreateRequestID(c)
	insts, sum := h.svc.AdapterStatus()
	if insts == nil {
		insts = []*registry.Instance{}
	}
	c.JSON(http.StatusOK, AdapterStatusResponse{Adapters: insts, Summary: sum})
}

// HandleAdapterStatusByKey returns one adapter instance.
func (h *Handlers) HandleAdapterStatusByKey(c *gin.Context) {
	getOrCreateRequestID(c)
	inst, err := h.svc.AdapterByKey(c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// HandleHealth reports server health.
//
// Description: Always 200; "degraded" in the body means read-only mode
// or a critical storage condition, not that requests will fail. UIs
// poll this for the storage census and adapter summary.
func (h *Handlers) HandleHealth(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, h.svc.BuildHealth())
}

// HandlePurge permanently deletes races from history and the active
// set. Every deletion is audited.
//
// Responses:
//   - 200 OK: {purged, not_found}
//   - 400 Bad Request: empty race_ids
//   - 503 Service Unavailable: read-only mode
func (h *Handlers) HandlePurge(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandlePurge")

	var req PurgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("malformed purge body", "err", err)
		bindError(c, err)
		return
	}

	resp, err := h.svc.Purge(c.Request.Context(), req)
	if err != nil {
		logger.Error("purge failed", "err", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCompact starts a background storage compaction.
//
// Responses:
//   - 202 Accepted: {status, job_id}
//   - 409 Conflict: a compaction is already running
func (h *Handlers) HandleCompact(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleCompact")

	jobID, err := h.svc.StartCompaction()
	if err != nil {
		writeError(c, err)
		return
	}
	logger.Info("compaction started", "job_id", jobID)
	c.JSON(http.StatusAccepted, JobAccepted{Status: "accepted", JobID: jobID})
}

// HandleSnapshot exports a snapshot immediately, outside the daily
// schedule. Blocks until the export lands; snapshots of a local
// database take well under a second.
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleSnapshot")

	man, err := h.svc.SnapshotNow(c.Request.Context())
	if err != nil {
		logger.Error("snapshot failed", "err", err)
		writeError(c, err)
		return
	}
	logger.Info("snapshot exported", "file", man.File, "races", man.Races)
	c.JSON(http.StatusOK, man)
}

// HandleRebuild starts a background cluster rebuild.
//
// Request Body: optional {sources: [...]} to narrow the rebuild.
//
// Responses:
//   - 202 Accepted: {status, job_id}
//   - 409 Conflict: a rebuild is already running
func (h *Handlers) HandleRebuild(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleRebuild")

	var req RebuildRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	jobID, err := h.svc.StartRebuild(req.Sources)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.Info("cluster rebuild started", "job_id", jobID, "sources", req.Sources)
	c.JSON(http.StatusAccepted, JobAccepted{Status: "accepted", JobID: jobID})
}

// HandleStorageReport returns the storage census.
func (h *Handlers) HandleStorageReport(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleStorageReport")

	rep, err := h.svc.BuildStorageReport(c.Request.Context())
	if err != nil {
		logger.Error("storage report failed", "err", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// HandleAdminMetrics returns the JSON metrics summary.
func (h *Handlers) HandleAdminMetrics(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, h.svc.BuildMetricsSummary())
}

// HandleRolloutState returns the clustering rollout state.
func (h *Handlers) HandleRolloutState(c *gin.Context) {
	getOrCreateRequestID(c)
	st, err := h.svc.RolloutState()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleRolloutReset drops the rollout back to phase 1.
func (h *Handlers) HandleRolloutReset(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleRolloutReset")

	if err := h.svc.RolloutReset(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	logger.Info("rollout reset")
	c.JSON(http.StatusOK, RolloutActionResponse{Status: "ok"})
}

// HandleRolloutEnableAll forces every rollout source into one mode.
//
// Responses:
//   - 200 OK: {status, mode}
//   - 400 Bad Request: unknown mode
func (h *Handlers) HandleRolloutEnableAll(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleRolloutEnableAll")

	var req EnableAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if err := h.svc.RolloutEnableAll(c.Request.Context(), req.Mode); err != nil {
		writeError(c, err)
		return
	}
	logger.Info("rollout mode forced", "mode", req.Mode)
	c.JSON(http.StatusOK, RolloutActionResponse{Status: "ok", Mode: req.Mode})
}

// getOrCreateRequestID returns the inbound X-Request-ID, minting one
// when absent, and echoes it on the response for correlation.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return id
}
