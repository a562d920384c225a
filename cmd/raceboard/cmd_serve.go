// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/raceboard/pkg/logging"
	raceboard "github.com/AleutianAI/raceboard/services/raceboard"
	"github.com/AleutianAI/raceboard/services/raceboard/active"
	"github.com/AleutianAI/raceboard/services/raceboard/cluster"
	"github.com/AleutianAI/raceboard/services/raceboard/config"
	"github.com/AleutianAI/raceboard/services/raceboard/monitor"
	"github.com/AleutianAI/raceboard/services/raceboard/predict"
	"github.com/AleutianAI/raceboard/services/raceboard/registry"
	"github.com/AleutianAI/raceboard/services/raceboard/storage"
	"github.com/AleutianAI/raceboard/services/raceboard/stream"
	"github.com/AleutianAI/raceboard/services/raceboard/telemetry"
)

// shutdownGrace bounds how long in-flight requests may run after a
// termination signal before the listeners are torn down.
const shutdownGrace = 10 * time.Second

// serveCmd runs the server until SIGINT/SIGTERM.
//
// # Description
//
// Starts both listeners (REST on server.http_port, the WebSocket race
// stream on server.stream_port), the completion worker, the adapter
// health monitor, the storage census, the cluster rebuild scheduler,
// and the daily snapshot exporter. State is recovered from the store
// before the listeners accept: persisted clusters and source stats
// feed the prediction engine, and adapter registrations resume under
// the configured health.recovery mode.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the raceboard server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	jsonOut := cfg.Logging.Format == "json" ||
		(cfg.Logging.Format != "text" && !logging.StderrIsTerminal())
	logg := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "raceboard",
		JSON:    jsonOut,
	})
	defer logg.Close()
	log := logg.Slog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later init can take instruments.
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = raceboard.ServiceVersion
	if cfg.Telemetry.Environment != "" {
		tcfg.Environment = cfg.Telemetry.Environment
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if !cfg.Telemetry.Enabled {
		tcfg.TraceExporter = "none"
		tcfg.MetricExporter = "none"
	}
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		// A dead OTLP endpoint must not keep a local server down.
		log.Warn("telemetry init failed, continuing without exporters", "err", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter("raceboard"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// The SLO tracker lives in the monitor, which needs the store, and
	// the store's latency hooks need the tracker. Late-bind through an
	// atomic pointer; writes cannot arrive before the listeners start.
	var slo atomic.Pointer[monitor.SLOTracker]

	store, err := storage.Open(ctx, storage.Options{
		Path:               cfg.Storage.Path,
		OnLock:             cfg.Storage.OnLock,
		FlushBatch:         cfg.Storage.FlushBatch,
		FlushInterval:      time.Duration(cfg.Storage.FlushIntervalMs) * time.Millisecond,
		LegacyReadFallback: cfg.Storage.LegacyReadFallback,
		Logger:             log,
		OnWrite: func(took time.Duration) {
			if t := slo.Load(); t != nil {
				t.ObserveWrite(took)
			}
		},
		OnFlush: func(took time.Duration, err error) {
			if t := slo.Load(); t != nil && err == nil {
				t.ObserveFlush(took)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("open storage at %s: %w", cfg.Storage.Path, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("storage close failed", "err", err)
		}
	}()

	// One-time import of the pre-database race file; the marker makes
	// this a no-op on every boot after the first.
	legacyPath := filepath.Join(filepath.Dir(store.Path()), "races.json")
	if rep, err := store.ImportLegacyJSON(ctx, legacyPath); err != nil {
		log.Warn("legacy race file import failed", "path", legacyPath, "err", err)
	} else if rep.Imported > 0 || rep.Skipped > 0 {
		log.Info("legacy race file imported", "imported", rep.Imported, "skipped", rep.Skipped)
	}

	alerts := monitor.NewAlertSystem(cfg.Alerts.WebhookURL, cfg.Alerts.LogFile, log)
	act := active.New(cfg.Active.MaxRaces, cfg.Active.MaxEventsPerRace, log)

	clusters := cluster.NewEngine(cluster.Config{
		EpsRange:           cluster.EpsRange{Lo: cfg.Cluster.EpsRange[0], Hi: cfg.Cluster.EpsRange[1]},
		MinSamples:         cfg.Cluster.MinSamples,
		Weights:            cluster.Weights{Title: cfg.Cluster.WTitle, Meta: cfg.Cluster.WMeta},
		KneedleSensitivity: cfg.Cluster.KneedleSensitivity,
		EpsSmoothing:       cfg.Cluster.EpsEmaSmoothing,
		BatchSize:          cfg.Cluster.BatchSize,
		RebuildInterval:    cfg.Cluster.RebuildInterval.Std(),
		MaxRebuildDuration: cfg.Cluster.MaxRebuildDuration.Std(),
	}, store, store, log)
	clusters.Restore(ctx)
	if cs, err := store.LoadClusters(ctx); err != nil {
		log.Warn("cluster load failed, predictions start from source stats", "err", err)
	} else if len(cs) > 0 {
		clusters.Install(cs)
	}

	// prediction.source_defaults names exact sources, the bootstrap
	// table names families; the cascade looks up by source, so exact
	// names just shadow their family.
	bootstrap := make(map[string]int64, len(cfg.Prediction.BootstrapDefaults)+len(cfg.Prediction.SourceDefaults))
	for k, v := range cfg.Prediction.BootstrapDefaults {
		bootstrap[k] = v
	}
	for k, v := range cfg.Prediction.SourceDefaults {
		bootstrap[k] = v
	}
	predictor := predict.NewEngine(predict.Config{
		MaxClusterDistance:  cfg.Prediction.MaxDistance,
		Bootstrap:           bootstrap,
		BootstrapDefaultSec: cfg.Prediction.DefaultSec,
	}, clusters, store, log)
	if ss, err := store.LoadSourceStats(ctx); err != nil {
		log.Warn("source stats load failed", "err", err)
	} else {
		predictor.LoadSources(ss)
	}

	reg := registry.New(registry.Config{
		ReportGrace:     cfg.Health.ReportGrace.Std(),
		DelayedMult:     cfg.Health.DelayedMult,
		AbsentMult:      cfg.Health.AbsentMult,
		AbandonedMult:   cfg.Health.AbandonedMult,
		TTLAbandoned:    cfg.Health.TTLAbandoned.Std(),
		TTLStopped:      cfg.Health.TTLStopped.Std(),
		MaxPerType:      cfg.Health.MaxPerType,
		MaxTotal:        cfg.Health.MaxTotal,
		MonitorInterval: cfg.Health.MonitorInterval.Std(),
		Recovery:        registry.RecoveryMode(cfg.Health.Recovery),
		ExemptTypes:     cfg.Health.ExemptTypes,
	}, store, log)
	if err := reg.Restore(ctx, time.Now().UTC()); err != nil {
		log.Warn("adapter registry recovery failed", "err", err)
	}
	if err := prometheus.DefaultRegisterer.Register(reg.Collector()); err != nil {
		log.Warn("registry collector registration failed", "err", err)
	}

	mon := monitor.New(monitor.Config{MaxActive: cfg.Active.MaxRaces}, act, store, alerts, metrics, log)
	slo.Store(mon.SLO())

	var sink *monitor.CompletionSink
	if cfg.Analytics.InfluxURL != "" {
		sink = monitor.NewCompletionSink(
			cfg.Analytics.InfluxURL, cfg.Analytics.InfluxToken,
			cfg.Analytics.InfluxOrg, cfg.Analytics.InfluxBucket, log)
		defer sink.Close()
	}

	var mirror *storage.Mirror
	if cfg.Snapshots.GCSBucket != "" {
		mirror, err = storage.NewMirror(ctx, cfg.Snapshots.GCSBucket,
			cfg.Snapshots.GCSPrefix, cfg.Snapshots.GCSCredentialsFile)
		if err != nil {
			log.Warn("snapshot mirror unavailable", "bucket", cfg.Snapshots.GCSBucket, "err", err)
		} else {
			defer mirror.Close()
		}
	}

	svc := raceboard.NewService(cfg, raceboard.Deps{
		Store:     store,
		Active:    act,
		Predictor: predictor,
		Clusters:  clusters,
		Registry:  reg,
		Monitor:   mon,
		Alerts:    alerts,
		Analytics: sink,
		Mirror:    mirror,
		Metrics:   metrics,
	}, log)

	handlers := raceboard.NewHandlers(svc, log)
	gin.SetMode(gin.ReleaseMode)
	restSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.HTTPHost, cfg.Server.HTTPPort),
		Handler: raceboard.NewRouter(handlers, cfg, telemetry.MetricsHandler()),
	}

	streamRouter := gin.New()
	streamRouter.Use(gin.Recovery())
	streamRouter.GET("/stream", stream.Handler(act, metrics, log))
	streamSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.HTTPHost, cfg.Server.StreamPort),
		Handler: streamRouter,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return svc.RunSnapshots(gctx) })
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return clusters.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })

	watchPath := configPath
	if watchPath == "" {
		if watchPath, err = config.DefaultPath(); err != nil {
			watchPath = ""
		}
	}
	if watchPath != "" {
		watcher, err := config.NewWatcher(watchPath, func(next *config.Config) {
			svc.SetReadOnly(next.Server.ReadOnly)
			if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
				logg.SetLevel(lvl)
			}
		}, log)
		if err != nil {
			log.Warn("config watcher unavailable", "err", err)
		} else {
			g.Go(func() error { return watcher.Start(gctx) })
		}
	}

	g.Go(func() error {
		log.Info("REST listener started", "addr", restSrv.Addr)
		if err := restSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rest listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("stream listener started", "addr", streamSrv.Addr)
		if err := streamSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stream listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := restSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("rest listener shutdown failed", "err", err)
		}
		if err := streamSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("stream listener shutdown failed", "err", err)
		}
		return nil
	})

	log.Info("raceboard server started",
		"version", raceboard.ServiceVersion,
		"storage", store.Path(),
		"read_only", svc.ReadOnly())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("raceboard server stopped")
	return nil
}
