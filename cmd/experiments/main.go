// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command experiments runs and manages the Aleutian experiments server.
//
// Usage:
//
//	experiments serve                      # start the HTTP API
//	experiments create -f checkout.yaml    # register a test from a definition
//	experiments start checkout-flow
//	experiments assign checkout-flow user-42 --attr location.country=US
//	experiments analyze checkout-flow
//	experiments recommend checkout-flow
//	experiments list --status running
//
// Every command except serve talks to a running server, selected with
// --server (default http://localhost:8090).
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8090/health
//
//	# Assign a user
//	curl -X POST http://localhost:8090/v1/experiments/checkout-flow/assign \
//	  -H "Content-Type: application/json" \
//	  -d '{"user_id": "user-42", "attributes": {"plan": "pro"}}'
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
