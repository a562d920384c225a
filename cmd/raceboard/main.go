// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command raceboard runs the local race tracking server and its
// operator tooling.
//
// # Usage
//
//	# Run the server with the default config (~/.raceboard/raceboard.yaml)
//	raceboard serve
//
//	# Export a snapshot of an offline database
//	raceboard snapshot export
//
//	# Inspect or repair the store
//	raceboard storage report
//	raceboard storage repair
//
// Every setting in the config file can be overridden through the
// environment, e.g. RACEBOARD_SERVER__HTTP_PORT=8888.
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
