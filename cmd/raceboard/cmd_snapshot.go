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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	snapshotDir string // --dir: override snapshots.dir for export
)

// snapshotCmd groups offline snapshot operations. The running server
// exports daily snapshots on its own; these commands serve disaster
// recovery, where the server is down and the operator works on the
// database directly.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export, list, and restore storage snapshots",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a snapshot of the database now",
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

		dir := cfg.Snapshots.Dir
		if snapshotDir != "" {
			dir = snapshotDir
		}
		man, err := store.Snapshot(ctx, dir)
		if err != nil {
			return err
		}
		return printJSON(man)
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded snapshot manifests",
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

		manifests, err := store.ListSnapshots(ctx)
		if err != nil {
			return err
		}
		return printJSON(manifests)
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore a snapshot into the database",
	Long: `Restores races, clusters, and source stats from a snapshot file.
Records are applied by key, so restoring over a live database overwrites
matching records and keeps everything newer. The file's checksum is
verified before anything is written.`,
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

		if err := store.Restore(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "restored %s\n", args[0])
		return nil
	},
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots beyond the configured retention",
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

		removed, err := store.PruneSnapshots(ctx, cfg.Snapshots.Dir, cfg.Snapshots.Retain)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "removed %d snapshot(s)\n", removed)
		return nil
	},
}

func init() {
	snapshotExportCmd.Flags().StringVar(&snapshotDir, "dir", "",
		"destination directory (default snapshots.dir from the config)")
	snapshotCmd.AddCommand(snapshotExportCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
}

// printJSON renders command output as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
