// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1", cfg.Server.HTTPHost)
	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 50051, cfg.Server.StreamPort)
	assert.False(t, cfg.Server.ReadOnly)
	assert.Equal(t, 100, cfg.Storage.FlushBatch)
	assert.Equal(t, 250, cfg.Storage.FlushIntervalMs)
	assert.Equal(t, 1000, cfg.Active.MaxRaces)
	assert.Equal(t, 1000, cfg.Active.MaxEventsPerRace)
	assert.Equal(t, [2]float64{0.3, 0.5}, cfg.Cluster.EpsRange)
	assert.Equal(t, 3, cfg.Cluster.MinSamples)
	assert.Equal(t, 7*24*time.Hour, cfg.Cluster.RebuildInterval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Cluster.MaxRebuildDuration.Std())
	assert.Equal(t, int64(45), cfg.Prediction.BootstrapDefaults["cargo"])
	assert.Equal(t, int64(30), cfg.Prediction.BootstrapDefaults["npm"])
	assert.Equal(t, int64(60), cfg.Prediction.BootstrapDefaults["claude-code"])
	assert.Equal(t, 30*time.Second, cfg.Health.ReportGrace.Std())
	assert.Equal(t, 24*time.Hour, cfg.Health.TTLAbandoned.Std())
	assert.Equal(t, time.Hour, cfg.Health.TTLStopped.Std())
	assert.Equal(t, int64(64*1024), cfg.Limits.BodyLimitBytes)
	assert.Equal(t, 5*time.Second, cfg.Limits.RequestTimeout.Std())
}

func TestLoad_FirstRunCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raceboard.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.HTTPPort)

	// The file now exists and round-trips.
	_, err = os.Stat(path)
	require.NoError(t, err)
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Cluster, again.Cluster)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raceboard.yaml")
	body := `
server:
  http_port: 8080
  read_only: true
storage:
  flush_batch: 50
cluster:
  eps_range: [0.35, 0.45]
  rebuild_interval: 24h
prediction:
  bootstrap_defaults:
    make: 90
health:
  ttl_stopped: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.True(t, cfg.Server.ReadOnly)
	assert.Equal(t, 50, cfg.Storage.FlushBatch)
	assert.Equal(t, [2]float64{0.35, 0.45}, cfg.Cluster.EpsRange)
	assert.Equal(t, 24*time.Hour, cfg.Cluster.RebuildInterval.Std())
	assert.Equal(t, int64(90), cfg.Prediction.BootstrapDefaults["make"])
	assert.Equal(t, 30*time.Minute, cfg.Health.TTLStopped.Std())
	// Untouched keys keep defaults.
	assert.Equal(t, 50051, cfg.Server.StreamPort)
	assert.Equal(t, 250, cfg.Storage.FlushIntervalMs)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv([]string{
		"RACEBOARD_SERVER__HTTP_PORT=9001",
		"RACEBOARD_SERVER__READ_ONLY=true",
		"RACEBOARD_STORAGE__FLUSH_INTERVAL_MS=100",
		"RACEBOARD_CLUSTER__EPS_RANGE=0.25,0.55",
		"RACEBOARD_CLUSTER__MAX_REBUILD_DURATION=5m",
		"RACEBOARD_HEALTH__EXEMPT_TYPES=cmd,hook",
		"RACEBOARD_LIMITS__REQUEST_TIMEOUT=10s",
		"UNRELATED=ignored",
		"RACEBOARD_NOSEP=ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.HTTPPort)
	assert.True(t, cfg.Server.ReadOnly)
	assert.Equal(t, 100, cfg.Storage.FlushIntervalMs)
	assert.Equal(t, [2]float64{0.25, 0.55}, cfg.Cluster.EpsRange)
	assert.Equal(t, 5*time.Minute, cfg.Cluster.MaxRebuildDuration.Std())
	assert.Equal(t, []string{"cmd", "hook"}, cfg.Health.ExemptTypes)
	assert.Equal(t, 10*time.Second, cfg.Limits.RequestTimeout.Std())
}

func TestApplyEnv_UnknownKeyFails(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv([]string{"RACEBOARD_SERVER__HTTP_PROT=9001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_prot")
}

func TestApplyEnv_BadValueFails(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv([]string{"RACEBOARD_SERVER__HTTP_PORT=not-a-port"})
	require.Error(t, err)
}

func TestValidate_ClampsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Storage.FlushBatch = 0
	cfg.Cluster.EpsRange = [2]float64{0.9, 0.1}
	cfg.Cluster.MinSamples = 1
	cfg.Health.Recovery = "yolo"
	cfg.Storage.OnLock = "panic"
	cfg.Limits.BodyLimitBytes = 10

	cfg.Validate()

	assert.Equal(t, 100, cfg.Storage.FlushBatch)
	assert.Equal(t, [2]float64{0.3, 0.5}, cfg.Cluster.EpsRange)
	assert.Equal(t, 3, cfg.Cluster.MinSamples)
	assert.Equal(t, "optimistic", cfg.Health.Recovery)
	assert.Equal(t, "abort", cfg.Storage.OnLock)
	assert.Equal(t, int64(64*1024), cfg.Limits.BodyLimitBytes)
}

func TestDuration_YAMLForms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raceboard.yaml")
	body := `
health:
  report_grace: 45s
  ttl_abandoned: 7200
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Health.ReportGrace.Std())
	assert.Equal(t, 2*time.Hour, cfg.Health.TTLAbandoned.Std(), "bare integers are seconds")
}
