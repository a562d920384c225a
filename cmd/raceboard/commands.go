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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/raceboard/services/raceboard/config"
	"github.com/AleutianAI/raceboard/services/raceboard/storage"
)

// --- Global Command Variables ---
var (
	configPath string // --config: path to raceboard.yaml, empty = default
	logLevel   string // --log-level: override logging.level from the config

	rootCmd = &cobra.Command{
		Use:   "raceboard",
		Short: "Local-first tracking server for long-running races",
		Long: `Raceboard tracks long-running work (CI pipelines, builds, AI
sessions, calendar blocks) reported by adapters, streams live updates
to UIs, and predicts completion times from historical durations.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ~/.raceboard/raceboard.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override the configured log level (debug|info|warn|error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file plus environment overrides and
// applies the CLI-level log override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openStore opens the configured database for the offline maintenance
// commands. They hold the exclusive lock, so they fail fast when a
// server is running against the same directory.
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	return storage.Open(ctx, storage.Options{
		Path:               cfg.Storage.Path,
		OnLock:             storage.OnLockAbort,
		FlushBatch:         cfg.Storage.FlushBatch,
		FlushInterval:      time.Duration(cfg.Storage.FlushIntervalMs) * time.Millisecond,
		LegacyReadFallback: cfg.Storage.LegacyReadFallback,
	})
}
