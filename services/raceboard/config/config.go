// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads raceboard server configuration.
//
// Resolution order: built-in defaults, then the YAML file (created with
// defaults on first run), then environment overrides. Environment
// variables use the RACEBOARD_ prefix with a double-underscore section
// separator, e.g. RACEBOARD_SERVER__HTTP_PORT=8080 sets
// server.http_port.
//
// A small subset of keys (server.read_only, logging.level) is dynamic:
// the Watcher re-reads the file on change and notifies subscribers.
// Everything else requires a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/raceboard/pkg/logging"
)

// Duration wraps time.Duration so YAML can carry "250ms", "10m", "168h"
// strings. Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration node %q", value.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig covers the two loopback listeners.
type ServerConfig struct {
	// HTTPHost is the bind address for both listeners. Binding outside
	// loopback is the deployer's call, not the default.
	HTTPHost string `yaml:"http_host"`

	// HTTPPort serves ingestion, query, adapter, and admin REST.
	HTTPPort int `yaml:"http_port"`

	// StreamPort serves the WebSocket race stream for UIs.
	StreamPort int `yaml:"stream_port"`

	// ReadOnly rejects every mutating call with 503. Dynamic.
	ReadOnly bool `yaml:"read_only"`
}

// StorageConfig covers the embedded store.
type StorageConfig struct {
	// Path is the badger directory. Default ~/.raceboard/eta_history.db
	Path string `yaml:"path"`

	// FlushBatch is the max writes coalesced before a forced flush.
	FlushBatch int `yaml:"flush_batch"`

	// FlushIntervalMs bounds how long a write may sit unflushed.
	FlushIntervalMs int `yaml:"flush_interval_ms"`

	// LegacyReadFallback accepts the old binary record encoding on
	// read. Writes always use JSON.
	LegacyReadFallback bool `yaml:"legacy_read_fallback"`

	// OnLock picks the startup behavior when the store lock is held:
	// "abort" or "read_only".
	OnLock string `yaml:"on_lock"`
}

// ActiveConfig bounds the in-memory active set.
type ActiveConfig struct {
	MaxRaces         int `yaml:"max_races"`
	MaxEventsPerRace int `yaml:"max_events_per_race"`
}

// ClusterConfig tunes DBSCAN clustering and the rebuild pipeline.
type ClusterConfig struct {
	// EpsRange clamps the Kneedle-selected eps, [low, high].
	EpsRange [2]float64 `yaml:"eps_range"`

	// MinSamples is the DBSCAN core-point threshold (and the k of the
	// k-distance graph).
	MinSamples int `yaml:"min_samples"`

	// WTitle and WMeta weight the title and metadata distances.
	WTitle float64 `yaml:"w_title"`
	WMeta  float64 `yaml:"w_meta"`

	// RebuildInterval is the per-source scheduled rebuild cadence.
	RebuildInterval Duration `yaml:"rebuild_interval"`

	// MaxRebuildDuration is the wall-clock budget per rebuild job.
	MaxRebuildDuration Duration `yaml:"max_rebuild_duration"`

	// KneedleSensitivity is the knee detector's sensitivity.
	KneedleSensitivity float64 `yaml:"kneedle_sensitivity"`

	// EpsEmaSmoothing blends a fresh eps with the persisted last_eps.
	EpsEmaSmoothing float64 `yaml:"eps_ema_smoothing"`

	// BatchSize bounds each streamed scan batch during rebuilds.
	BatchSize int `yaml:"batch_size"`
}

// PredictionConfig tunes the ETA cascade.
type PredictionConfig struct {
	// MaxDistance is the cluster-match cutoff (cascade stage 1).
	MaxDistance float64 `yaml:"max_distance"`

	// SourceDefaults overrides the expected duration (seconds) per
	// exact source name, consulted before the bootstrap family table.
	SourceDefaults map[string]int64 `yaml:"source_defaults"`

	// BootstrapDefaults is the family table of last-resort durations.
	BootstrapDefaults map[string]int64 `yaml:"bootstrap_defaults"`

	// DefaultSec is the fallback when no table entry matches.
	DefaultSec int64 `yaml:"default_sec"`
}

// HealthConfig tunes the adapter registry state machine.
type HealthConfig struct {
	// ReportGrace is how long a fresh registration may stay silent.
	ReportGrace Duration `yaml:"report_grace"`

	// DelayedMult, AbsentMult, AbandonedMult are the expected-interval
	// multipliers for the staleness ladder.
	DelayedMult   float64 `yaml:"delayed_mult"`
	AbsentMult    float64 `yaml:"absent_mult"`
	AbandonedMult float64 `yaml:"abandoned_mult"`

	// TTLAbandoned and TTLStopped bound how long dead registrations
	// are retained.
	TTLAbandoned Duration `yaml:"ttl_abandoned"`
	TTLStopped   Duration `yaml:"ttl_stopped"`

	MaxPerType int `yaml:"max_per_type"`
	MaxTotal   int `yaml:"max_total"`

	// MonitorInterval is the background scan cadence.
	MonitorInterval Duration `yaml:"monitor_interval"`

	// Recovery picks restart behavior for persisted registrations:
	// "clear", "abandon", or "optimistic".
	Recovery string `yaml:"recovery"`

	// ExemptTypes never transition on staleness (hook-based wrappers,
	// one-shot runners).
	ExemptTypes []string `yaml:"exempt_types"`
}

// LoggingConfig covers process logging.
type LoggingConfig struct {
	// Level is debug|info|warn|error. Dynamic.
	Level string `yaml:"level"`

	// Dir receives daily JSON log files; empty disables file logging.
	Dir string `yaml:"dir"`

	// Format is auto|text|json for stderr. auto keys off the terminal.
	Format string `yaml:"format"`
}

// LimitsConfig bounds request handling.
type LimitsConfig struct {
	// BodyLimitBytes caps request bodies.
	BodyLimitBytes int64 `yaml:"body_limit_bytes"`

	// RequestTimeout is the per-request deadline.
	RequestTimeout Duration `yaml:"request_timeout"`

	// IngestRPS/IngestBurst shape the race-mutation token bucket.
	IngestRPS   float64 `yaml:"ingest_rps"`
	IngestBurst int     `yaml:"ingest_burst"`

	// RegisterRPS/RegisterBurst shape adapter registration.
	RegisterRPS   float64 `yaml:"register_rps"`
	RegisterBurst int     `yaml:"register_burst"`
}

// SnapshotConfig covers local snapshot export and the optional GCS
// mirror.
type SnapshotConfig struct {
	Dir    string `yaml:"dir"`
	Retain int    `yaml:"retain"`
	Daily  bool   `yaml:"daily"`

	// GCSBucket, when set, mirrors each snapshot to gs://{bucket}/{prefix}.
	GCSBucket          string `yaml:"gcs_bucket"`
	GCSPrefix          string `yaml:"gcs_prefix"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

// AlertsConfig covers operator alerting.
type AlertsConfig struct {
	// WebhookURL receives JSON alert POSTs when set.
	WebhookURL string `yaml:"webhook_url"`

	// LogFile is the local append-only alert log.
	LogFile string `yaml:"log_file"`
}

// AnalyticsConfig covers the optional InfluxDB completion sink.
type AnalyticsConfig struct {
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// TelemetryConfig covers OTel initialization.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
}

// Config is the full server configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Active     ActiveConfig     `yaml:"active"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Prediction PredictionConfig `yaml:"prediction"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
	Limits     LimitsConfig     `yaml:"limits"`
	Snapshots  SnapshotConfig   `yaml:"snapshots"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// EnvPrefix and EnvSeparator define the override naming scheme.
const (
	EnvPrefix    = "RACEBOARD_"
	EnvSeparator = "__"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPHost:   "127.0.0.1",
			HTTPPort:   7777,
			StreamPort: 50051,
		},
		Storage: StorageConfig{
			Path:            "~/.raceboard/eta_history.db",
			FlushBatch:      100,
			FlushIntervalMs: 250,
			OnLock:          "abort",
		},
		Active: ActiveConfig{
			MaxRaces:         1000,
			MaxEventsPerRace: 1000,
		},
		Cluster: ClusterConfig{
			EpsRange:           [2]float64{0.3, 0.5},
			MinSamples:         3,
			WTitle:             0.6,
			WMeta:              0.4,
			RebuildInterval:    Duration(7 * 24 * time.Hour),
			MaxRebuildDuration: Duration(10 * time.Minute),
			KneedleSensitivity: 1.0,
			EpsEmaSmoothing:    0.2,
			BatchSize:          10000,
		},
		Prediction: PredictionConfig{
			MaxDistance: 0.3,
			BootstrapDefaults: map[string]int64{
				"cargo":       45,
				"npm":         30,
				"claude-code": 60,
			},
			DefaultSec: 30,
		},
		Health: HealthConfig{
			ReportGrace:     Duration(30 * time.Second),
			DelayedMult:     1.5,
			AbsentMult:      2.0,
			AbandonedMult:   3.0,
			TTLAbandoned:    Duration(24 * time.Hour),
			TTLStopped:      Duration(time.Hour),
			MaxPerType:      10,
			MaxTotal:        100,
			MonitorInterval: Duration(5 * time.Second),
			Recovery:        "optimistic",
			ExemptTypes:     []string{"claude-code", "cmd"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Dir:    "~/.raceboard/logs",
			Format: "auto",
		},
		Limits: LimitsConfig{
			BodyLimitBytes: 64 * 1024,
			RequestTimeout: Duration(5 * time.Second),
			IngestRPS:      200,
			IngestBurst:    400,
			RegisterRPS:    5,
			RegisterBurst:  10,
		},
		Snapshots: SnapshotConfig{
			Dir:    "~/.raceboard/snapshots",
			Retain: 14,
			Daily:  true,
		},
		Alerts: AlertsConfig{
			LogFile: "~/.raceboard/logs/alerts.log",
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			Environment: "local",
		},
	}
}

// DefaultPath returns ~/.raceboard/raceboard.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".raceboard", "raceboard.yaml"), nil
}

// Load reads the configuration file at path (DefaultPath when empty),
// creating it with defaults on first run, then applies environment
// overrides and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	path = logging.ExpandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	cfg.Validate()
	return cfg, nil
}

func writeDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv applies RACEBOARD_SECTION__KEY=value overrides from environ
// (os.Environ() format). Unknown keys are an error so typos fail fast.
func (c *Config) ApplyEnv(environ []string) error {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, EnvPrefix)
		section, key, ok := strings.Cut(rest, EnvSeparator)
		if !ok {
			continue
		}
		if err := c.applyOverride(strings.ToLower(section), strings.ToLower(key), value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) applyOverride(section, key, value string) error {
	switch section {
	case "server":
		switch key {
		case "http_host":
			c.Server.HTTPHost = value
		case "http_port":
			return setInt(&c.Server.HTTPPort, value)
		case "stream_port":
			return setInt(&c.Server.StreamPort, value)
		case "read_only":
			return setBool(&c.Server.ReadOnly, value)
		default:
			return fmt.Errorf("unknown key server.%s", key)
		}
	case "storage":
		switch key {
		case "path":
			c.Storage.Path = value
		case "flush_batch":
			return setInt(&c.Storage.FlushBatch, value)
		case "flush_interval_ms":
			return setInt(&c.Storage.FlushIntervalMs, value)
		case "legacy_read_fallback":
			return setBool(&c.Storage.LegacyReadFallback, value)
		case "on_lock":
			c.Storage.OnLock = value
		default:
			return fmt.Errorf("unknown key storage.%s", key)
		}
	case "active":
		switch key {
		case "max_races":
			return setInt(&c.Active.MaxRaces, value)
		case "max_events_per_race":
			return setInt(&c.Active.MaxEventsPerRace, value)
		default:
			return fmt.Errorf("unknown key active.%s", key)
		}
	case "cluster":
		switch key {
		case "eps_range":
			return setRange(&c.Cluster.EpsRange, value)
		case "min_samples":
			return setInt(&c.Cluster.MinSamples, value)
		case "w_title":
			return setFloat(&c.Cluster.WTitle, value)
		case "w_meta":
			return setFloat(&c.Cluster.WMeta, value)
		case "rebuild_interval":
			return setDuration(&c.Cluster.RebuildInterval, value)
		case "max_rebuild_duration":
			return setDuration(&c.Cluster.MaxRebuildDuration, value)
		case "kneedle_sensitivity":
			return setFloat(&c.Cluster.KneedleSensitivity, value)
		case "eps_ema_smoothing":
			return setFloat(&c.Cluster.EpsEmaSmoothing, value)
		case "batch_size":
			return setInt(&c.Cluster.BatchSize, value)
		default:
			return fmt.Errorf("unknown key cluster.%s", key)
		}
	case "prediction":
		switch key {
		case "max_distance":
			return setFloat(&c.Prediction.MaxDistance, value)
		case "default_sec":
			return setInt64(&c.Prediction.DefaultSec, value)
		default:
			return fmt.Errorf("unknown key prediction.%s", key)
		}
	case "health":
		switch key {
		case "report_grace":
			return setDuration(&c.Health.ReportGrace, value)
		case "delayed_mult":
			return setFloat(&c.Health.DelayedMult, value)
		case "absent_mult":
			return setFloat(&c.Health.AbsentMult, value)
		case "abandoned_mult":
			return setFloat(&c.Health.AbandonedMult, value)
		case "ttl_abandoned":
			return setDuration(&c.Health.TTLAbandoned, value)
		case "ttl_stopped":
			return setDuration(&c.Health.TTLStopped, value)
		case "max_per_type":
			return setInt(&c.Health.MaxPerType, value)
		case "max_total":
			return setInt(&c.Health.MaxTotal, value)
		case "monitor_interval":
			return setDuration(&c.Health.MonitorInterval, value)
		case "recovery":
			c.Health.Recovery = value
		case "exempt_types":
			c.Health.ExemptTypes = splitList(value)
		default:
			return fmt.Errorf("unknown key health.%s", key)
		}
	case "logging":
		switch key {
		case "level":
			c.Logging.Level = value
		case "dir":
			c.Logging.Dir = value
		case "format":
			c.Logging.Format = value
		default:
			return fmt.Errorf("unknown key logging.%s", key)
		}
	case "limits":
		switch key {
		case "body_limit_bytes":
			return setInt64(&c.Limits.BodyLimitBytes, value)
		case "request_timeout":
			return setDuration(&c.Limits.RequestTimeout, value)
		case "ingest_rps":
			return setFloat(&c.Limits.IngestRPS, value)
		case "ingest_burst":
			return setInt(&c.Limits.IngestBurst, value)
		case "register_rps":
			return setFloat(&c.Limits.RegisterRPS, value)
		case "register_burst":
			return setInt(&c.Limits.RegisterBurst, value)
		default:
			return fmt.Errorf("unknown key limits.%s", key)
		}
	case "snapshots":
		switch key {
		case "dir":
			c.Snapshots.Dir = value
		case "retain":
			return setInt(&c.Snapshots.Retain, value)
		case "daily":
			return setBool(&c.Snapshots.Daily, value)
		case "gcs_bucket":
			c.Snapshots.GCSBucket = value
		case "gcs_prefix":
			c.Snapshots.GCSPrefix = value
		case "gcs_credentials_file":
			c.Snapshots.GCSCredentialsFile = value
		default:
			return fmt.Errorf("unknown key snapshots.%s", key)
		}
	case "alerts":
		switch key {
		case "webhook_url":
			c.Alerts.WebhookURL = value
		case "log_file":
			c.Alerts.LogFile = value
		default:
			return fmt.Errorf("unknown key alerts.%s", key)
		}
	case "analytics":
		switch key {
		case "influx_url":
			c.Analytics.InfluxURL = value
		case "influx_token":
			c.Analytics.InfluxToken = value
		case "influx_org":
			c.Analytics.InfluxOrg = value
		case "influx_bucket":
			c.Analytics.InfluxBucket = value
		default:
			return fmt.Errorf("unknown key analytics.%s", key)
		}
	case "telemetry":
		switch key {
		case "enabled":
			return setBool(&c.Telemetry.Enabled, value)
		case "otlp_endpoint":
			c.Telemetry.OTLPEndpoint = value
		case "environment":
			c.Telemetry.Environment = value
		default:
			return fmt.Errorf("unknown key telemetry.%s", key)
		}
	default:
		return fmt.Errorf("unknown section %s", section)
	}
	return nil
}

// Validate clamps out-of-range values back to workable ones rather than
// failing startup over a tuning key.
func (c *Config) Validate() {
	if c.Server.HTTPPort <= 0 {
		c.Server.HTTPPort = 7777
	}
	if c.Server.StreamPort <= 0 {
		c.Server.StreamPort = 50051
	}
	if c.Storage.FlushBatch < 1 {
		c.Storage.FlushBatch = 100
	}
	if c.Storage.FlushIntervalMs < 1 {
		c.Storage.FlushIntervalMs = 250
	}
	if c.Storage.OnLock != "abort" && c.Storage.OnLock != "read_only" {
		c.Storage.OnLock = "abort"
	}
	if c.Active.MaxRaces < 1 {
		c.Active.MaxRaces = 1000
	}
	if c.Active.MaxEventsPerRace < 1 {
		c.Active.MaxEventsPerRace = 1000
	}
	if c.Cluster.EpsRange[0] <= 0 || c.Cluster.EpsRange[1] < c.Cluster.EpsRange[0] {
		c.Cluster.EpsRange = [2]float64{0.3, 0.5}
	}
	if c.Cluster.MinSamples < 2 {
		c.Cluster.MinSamples = 3
	}
	if c.Cluster.WTitle+c.Cluster.WMeta <= 0 {
		c.Cluster.WTitle, c.Cluster.WMeta = 0.6, 0.4
	}
	if c.Cluster.BatchSize < 1 {
		c.Cluster.BatchSize = 10000
	}
	if c.Cluster.MaxRebuildDuration <= 0 {
		c.Cluster.MaxRebuildDuration = Duration(10 * time.Minute)
	}
	if c.Cluster.EpsEmaSmoothing <= 0 || c.Cluster.EpsEmaSmoothing > 1 {
		c.Cluster.EpsEmaSmoothing = 0.2
	}
	if c.Prediction.MaxDistance <= 0 || c.Prediction.MaxDistance > 1 {
		c.Prediction.MaxDistance = 0.3
	}
	if c.Prediction.DefaultSec <= 0 {
		c.Prediction.DefaultSec = 30
	}
	if c.Health.MonitorInterval <= 0 || c.Health.MonitorInterval.Std() > 10*time.Second {
		c.Health.MonitorInterval = Duration(5 * time.Second)
	}
	switch c.Health.Recovery {
	case "clear", "abandon", "optimistic":
	default:
		c.Health.Recovery = "optimistic"
	}
	if c.Limits.BodyLimitBytes < 1024 {
		c.Limits.BodyLimitBytes = 64 * 1024
	}
	if c.Limits.RequestTimeout <= 0 {
		c.Limits.RequestTimeout = Duration(5 * time.Second)
	}
	if c.Snapshots.Retain < 1 {
		c.Snapshots.Retain = 14
	}
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("expected integer, got %q", value)
	}
	*dst = v
	return nil
}

func setInt64(dst *int64, value string) error {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("expected integer, got %q", value)
	}
	*dst = v
	return nil
}

func setFloat(dst *float64, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("expected number, got %q", value)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("expected boolean, got %q", value)
	}
	*dst = v
	return nil
}

func setDuration(dst *Duration, value string) error {
	if v, err := time.ParseDuration(value); err == nil {
		*dst = Duration(v)
		return nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		*dst = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("expected duration, got %q", value)
}

func setRange(dst *[2]float64, value string) error {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return fmt.Errorf("expected \"low,high\", got %q", value)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return fmt.Errorf("expected number, got %q", parts[0])
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return fmt.Errorf("expected number, got %q", parts[1])
	}
	*dst = [2]float64{lo, hi}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
