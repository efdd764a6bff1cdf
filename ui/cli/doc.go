// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package cli implements the command-line interface for DKPS using Cobra.
// It wires configuration and default services, and provides commands that
// delegate to the registry, engine and server packages. CLI code should
// remain thin and keep business logic out of command bodies.
package cli
