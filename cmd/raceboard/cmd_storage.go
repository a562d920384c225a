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

	"github.com/spf13/cobra"
)

// storageCmd groups offline database maintenance. All subcommands take
// the exclusive database lock, so they refuse to run while a server is
// up.
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect and maintain the embedded database",
}

var storageReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Count records per partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		counts, err := store.CountPartitions(ctx)
		if err != nil {
			return err
		}
		return printJSON(counts)
	},
}

var storageRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reconcile the time index with the race records",
	Long: `Rebuilds missing time-index entries and removes orphaned ones.
The server runs a sampled version of this check at startup and flags the
database for repair; this command is the full, offline pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.Repair(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var storageCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Flatten the LSM tree and rewrite value logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.Compact(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var storageImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import races from a pre-database JSON history file",
	Long: `One-time migration from the flat-file history format. The import
is idempotent; re-running it after a successful import is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.ImportLegacyJSON(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	storageCmd.AddCommand(storageReportCmd)
	storageCmd.AddCommand(storageRepairCmd)
	storageCmd.AddCommand(storageCompactCmd)
	storageCmd.AddCommand(storageImportCmd)
}
