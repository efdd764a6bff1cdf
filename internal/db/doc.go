// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package db provides the data access layer for DKPS.
// It abstracts the underlying database (SQLite, PostgreSQL, MySQL) behind a
// consistent interface, allowing the rest of the application to interact
// with the key store in a uniform way.
//
// The Store interface is implemented once per supported engine; all three
// implementations delegate to shared Bun helpers in bun_adapter.go. Schema
// migrations are embedded per dialect under migrations/ and applied on open.
//
// Testing notes
//   - Prefer `db.New("sqlite", ":memory:")` in tests that need real DB
//     semantics and migrations.
package db
