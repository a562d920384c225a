// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined instruments for the raceboard server.
//
// All instruments use the "raceboard_" prefix. Counters and histograms are
// recorded at the call site; the storage gauges are observable and pull a
// sample on every scrape via RegisterStorageGauges.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Ingestion ---

	// RacesIngestedTotal counts accepted race create/update requests by source.
	RacesIngestedTotal metric.Int64Counter

	// RacesCompletedTotal counts races reaching a terminal state by source and state.
	RacesCompletedTotal metric.Int64Counter

	// EvictionsTotal counts active races evicted at the capacity cap.
	EvictionsTotal metric.Int64Counter

	// --- Storage ---

	// FlushFailuresTotal counts background flush failures.
	FlushFailuresTotal metric.Int64Counter

	// SerializeFailuresTotal counts records that failed to encode.
	SerializeFailuresTotal metric.Int64Counter

	// PurgeRequestsTotal counts admin purge requests.
	PurgeRequestsTotal metric.Int64Counter

	// WriteLatency records per-record write latency in milliseconds.
	WriteLatency metric.Float64Histogram

	// FlushLatency records batch flush latency in milliseconds.
	FlushLatency metric.Float64Histogram

	// CompactionDuration records compaction duration in seconds.
	CompactionDuration metric.Float64Histogram

	// SLOViolationsTotal counts data-layer SLO violations by objective.
	SLOViolationsTotal metric.Int64Counter

	// --- Streaming ---

	// StreamClientsActive tracks currently connected stream subscribers.
	StreamClientsActive metric.Int64UpDownCounter

	// StreamLaggedTotal counts Lagged markers delivered to slow subscribers.
	StreamLaggedTotal metric.Int64Counter

	// --- Prediction & clustering ---

	// PredictionsTotal counts ETA predictions by cascade level.
	PredictionsTotal metric.Int64Counter

	// RebuildsTotal counts clustering rebuilds by outcome.
	RebuildsTotal metric.Int64Counter

	// RebuildDuration records full rebuild duration in seconds.
	RebuildDuration metric.Float64Histogram

	// --- Errors ---

	// ErrorsTotal counts errors by component and failure kind.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments registered
// on the given meter. Returns an error if any registration fails.
//
// Example:
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("raceboard"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.RacesIngestedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", src)))
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RacesIngestedTotal, err = meter.Int64Counter(
		"raceboard_races_ingested_total",
		metric.WithDescription("Accepted race create/update requests"),
		metric.WithUnit("{race}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create races_ingested_total: %w", err)
	}

	m.RacesCompletedTotal, err = meter.Int64Counter(
		"raceboard_races_completed_total",
		metric.WithDescription("Races reaching a terminal state"),
		metric.WithUnit("{race}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create races_completed_total: %w", err)
	}

	m.EvictionsTotal, err = meter.Int64Counter(
		"raceboard_evictions_total",
		metric.WithDescription("Active races evicted at the capacity cap"),
		metric.WithUnit("{race}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evictions_total: %w", err)
	}

	m.FlushFailuresTotal, err = meter.Int64Counter(
		"raceboard_flush_failures_total",
		metric.WithDescription("Background flush failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create flush_failures_total: %w", err)
	}

	m.SerializeFailuresTotal, err = meter.Int64Counter(
		"raceboard_serialize_failures_total",
		metric.WithDescription("Records that failed to encode"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create serialize_failures_total: %w", err)
	}

	m.PurgeRequestsTotal, err = meter.Int64Counter(
		"raceboard_purge_requests_total",
		metric.WithDescription("Admin purge requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create purge_requests_total: %w", err)
	}

	m.WriteLatency, err = meter.Float64Histogram(
		"raceboard_write_latency_ms",
		metric.WithDescription("Per-record write latency in milliseconds"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		return nil, fmt.Errorf("create write_latency: %w", err)
	}

	m.FlushLatency, err = meter.Float64Histogram(
		"raceboard_flush_latency_ms",
		metric.WithDescription("Batch flush latency in milliseconds"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 200, 500, 1000),
	)
	if err != nil {
		return nil, fmt.Errorf("create flush_latency: %w", err)
	}

	m.CompactionDuration, err = meter.Float64Histogram(
		"raceboard_compaction_seconds",
		metric.WithDescription("Compaction duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create compaction_seconds: %w", err)
	}

	m.SLOViolationsTotal, err = meter.Int64Counter(
		"raceboard_slo_violations_total",
		metric.WithDescription("Data-layer SLO violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create slo_violations_total: %w", err)
	}

	m.StreamClientsActive, err = meter.Int64UpDownCounter(
		"raceboard_stream_clients_active",
		metric.WithDescription("Currently connected stream subscribers"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stream_clients_active: %w", err)
	}

	m.StreamLaggedTotal, err = meter.Int64Counter(
		"raceboard_stream_lagged_total",
		metric.WithDescription("Lagged markers delivered to slow subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stream_lagged_total: %w", err)
	}

	m.PredictionsTotal, err = meter.Int64Counter(
		"raceboard_predictions_total",
		metric.WithDescription("ETA predictions by cascade level"),
		metric.WithUnit("{prediction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create predictions_total: %w", err)
	}

	m.RebuildsTotal, err = meter.Int64Counter(
		"raceboard_rebuilds_total",
		metric.WithDescription("Clustering rebuilds by outcome"),
		metric.WithUnit("{rebuild}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rebuilds_total: %w", err)
	}

	m.RebuildDuration, err = meter.Float64Histogram(
		"raceboard_rebuild_seconds",
		metric.WithDescription("Full clustering rebuild duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create rebuild_seconds: %w", err)
	}

	m.ErrorsTotal, err = meter.Int64Counter(
		"raceboard_errors_total",
		metric.WithDescription("Errors by component and failure kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// StorageSample is one point-in-time reading of the storage gauges,
// pulled by the observable callback on each scrape.
type StorageSample struct {
	DBSizeBytes int64
	ActiveRaces int64
	ReadOnly    bool

	// PartitionRecords maps partition name to record count.
	PartitionRecords map[string]int64
}

// RegisterStorageGauges registers the observable storage gauges.
//
// Description:
//
//	Sets up observable gauges for database size, active race count,
//	read-only state, and per-partition record counts. The sample function
//	is invoked once per scrape; it should be cheap (cached counts, not a
//	full walk).
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterStorageGauges(meter metric.Meter, sample func() StorageSample) (metric.Registration, error) {
	dbSize, err := meter.Int64ObservableGauge(
		"raceboard_db_size_bytes",
		metric.WithDescription("On-disk database size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create db_size_bytes: %w", err)
	}

	activeRaces, err := meter.Int64ObservableGauge(
		"raceboard_active_races",
		metric.WithDescription("Races currently tracked in memory"),
		metric.WithUnit("{race}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_races: %w", err)
	}

	readOnly, err := meter.Int64ObservableGauge(
		"raceboard_read_only_active",
		metric.WithDescription("1 while the server rejects mutations"),
	)
	if err != nil {
		return nil, fmt.Errorf("create read_only_active: %w", err)
	}

	partitionRecords, err := meter.Int64ObservableGauge(
		"raceboard_partition_records",
		metric.WithDescription("Records per storage partition"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create partition_records: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := sample()
		o.ObserveInt64(dbSize, s.DBSizeBytes)
		o.ObserveInt64(activeRaces, s.ActiveRaces)
		var ro int64
		if s.ReadOnly {
			ro = 1
		}
		o.ObserveInt64(readOnly, ro)
		for name, count := range s.PartitionRecords {
			o.ObserveInt64(partitionRecords, count,
				metric.WithAttributes(attribute.String("partition", name)))
		}
		return nil
	}, dbSize, activeRaces, readOnly, partitionRecords)
}
