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
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestNewMetrics(t *testing.T) {
	meter := otel.Meter("raceboard_test_construct")
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	if metrics.RacesIngestedTotal == nil {
		t.Error("RacesIngestedTotal is nil")
	}
	if metrics.RacesCompletedTotal == nil {
		t.Error("RacesCompletedTotal is nil")
	}
	if metrics.EvictionsTotal == nil {
		t.Error("EvictionsTotal is nil")
	}
	if metrics.FlushFailuresTotal == nil {
		t.Error("FlushFailuresTotal is nil")
	}
	if metrics.SerializeFailuresTotal == nil {
		t.Error("SerializeFailuresTotal is nil")
	}
	if metrics.PurgeRequestsTotal == nil {
		t.Error("PurgeRequestsTotal is nil")
	}
	if metrics.WriteLatency == nil {
		t.Error("WriteLatency is nil")
	}
	if metrics.FlushLatency == nil {
		t.Error("FlushLatency is nil")
	}
	if metrics.CompactionDuration == nil {
		t.Error("CompactionDuration is nil")
	}
	if metrics.SLOViolationsTotal == nil {
		t.Error("SLOViolationsTotal is nil")
	}
	if metrics.StreamClientsActive == nil {
		t.Error("StreamClientsActive is nil")
	}
	if metrics.StreamLaggedTotal == nil {
		t.Error("StreamLaggedTotal is nil")
	}
	if metrics.PredictionsTotal == nil {
		t.Error("PredictionsTotal is nil")
	}
	if metrics.RebuildsTotal == nil {
		t.Error("RebuildsTotal is nil")
	}
	if metrics.RebuildDuration == nil {
		t.Error("RebuildDuration is nil")
	}
	if metrics.ErrorsTotal == nil {
		t.Error("ErrorsTotal is nil")
	}
}

func TestMetrics_RecordInstruments(t *testing.T) {
	meter := otel.Meter("raceboard_test_record")
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	ctx := context.Background()

	// Should not panic
	metrics.RacesIngestedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", "gitlab"),
	))
	metrics.RacesCompletedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", "gitlab"),
		attribute.String("state", "passed"),
	))
	metrics.EvictionsTotal.Add(ctx, 1)
	metrics.WriteLatency.Record(ctx, 2.4)
	metrics.FlushLatency.Record(ctx, 18.0)
	metrics.CompactionDuration.Record(ctx, 3.2)
	metrics.SLOViolationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("slo", "write_p95"),
	))
	metrics.StreamClientsActive.Add(ctx, 1)
	metrics.StreamClientsActive.Add(ctx, -1)
	metrics.StreamLaggedTotal.Add(ctx, 3)
	metrics.PredictionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", "cluster"),
	))
	metrics.RebuildsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "accepted"),
	))
	metrics.RebuildDuration.Record(ctx, 0.8)
	metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", "storage"),
		attribute.String("kind", "timeout"),
	))
}

func TestMetrics_RegisterStorageGauges(t *testing.T) {
	meter := otel.Meter("raceboard_test_gauges")
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	reg, err := metrics.RegisterStorageGauges(meter, func() StorageSample {
		return StorageSample{
			DBSizeBytes: 4096,
			ActiveRaces: 12,
			ReadOnly:    true,
			PartitionRecords: map[string]int64{
				"races":         240,
				"races_by_time": 240,
			},
		}
	})
	if err != nil {
		t.Fatalf("RegisterStorageGauges() error = %v", err)
	}
	defer reg.Unregister()
}
