// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// influxWriteTimeout bounds one analytics write so a slow InfluxDB
// never stalls the completion pipeline.
const influxWriteTimeout = 5 * time.Second

// CompletionSink forwards completed races to InfluxDB as duration
// points for offline analytics. The sink is optional: a nil
// *CompletionSink drops everything, and write failures are logged and
// swallowed.
type CompletionSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// NewCompletionSink connects to InfluxDB at url. The client is lazy, so
// construction succeeds even when the server is down; failures surface
// per write.
func NewCompletionSink(url, token, org, bucket string, logger *slog.Logger) *CompletionSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	return &CompletionSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		logger: logger.With("component", "analytics"),
	}
}

// Record writes one race_duration point, tagged by source and final
// state, with the observed duration and last reported progress.
// Non-terminal races are ignored.
func (s *CompletionSink) Record(ctx context.Context, r *race.Race) {
	if s == nil || r == nil || r.CompletedAt == nil {
		return
	}

	progress := 0
	if r.Progress != nil {
		progress = *r.Progress
	}
	pt := influxdb2.NewPoint("race_duration",
		map[string]string{
			"source": r.Source,
			"state":  string(r.State),
		},
		map[string]interface{}{
			"duration_sec": r.CompletedAt.Sub(r.StartedAt).Seconds(),
			"progress":     progress,
		},
		*r.CompletedAt)

	ctx, cancel := context.WithTimeout(ctx, influxWriteTimeout)
	defer cancel()
	if err := s.write.WritePoint(ctx, pt); err != nil {
		s.logger.Warn("analytics write failed",
			"race_id", r.ID, "source", r.Source, "err", err)
	}
}

// Close releases the underlying client. Safe on a nil sink.
func (s *CompletionSink) Close() {
	if s != nil {
		s.client.Close()
	}
}
