// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for DKPS.
//
// Usage:
//
//	go run . [flags]
//	./dkps [flags]
//
// This launches the DKPS CLI. See --help for options.
package main

import (
	"log"
	"os"

	"github.com/cros-factory/dkps/ui/cli"
)

// main is the entrypoint for the DKPS CLI.
func main() {
	if err := cli.Execute(); err != nil {
		log.Printf("DKPS error: %v", err)
		os.Exit(1)
	}
}
