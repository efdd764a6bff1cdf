// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.
package model

// BackupSchemaVersion is written into every export and checked on restore.
const BackupSchemaVersion = 1

// BackupData is a container for all data to be exported for a backup.
// It holds slices of all the core models in DKPS.
type BackupData struct {
	// SchemaVersion helps in handling migrations during restore.
	SchemaVersion int `json:"schema_version"`

	// Data from each table.
	Settings        []Setting       `json:"settings"`
	Projects        []Project       `json:"projects"`
	DRMKeys         []DRMKey        `json:"drm_keys"`
	AuditLogEntries []AuditLogEntry `json:"audit_log_entries"`
}
