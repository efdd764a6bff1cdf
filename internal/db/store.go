// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"

	"github.com/cros-factory/dkps/internal/model"
)

// Store defines the interface for all database operations in DKPS.
// This allows for multiple database backends to be implemented.
type Store interface {
	// Settings methods
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	// Project methods
	AddProject(ctx context.Context, p model.Project) error
	UpdateProject(ctx context.Context, p model.Project) error
	DeleteProject(ctx context.Context, name string) error
	GetProjectByName(ctx context.Context, name string) (*model.Project, error)
	GetProjectByUploaderFingerprint(ctx context.Context, fingerprint string) (*model.Project, error)
	GetProjectByRequesterFingerprint(ctx context.Context, fingerprint string) (*model.Project, error)
	GetAllProjects(ctx context.Context) ([]model.Project, error)

	// DRM key methods
	InsertDRMKey(ctx context.Context, projectName, keyHash, encryptedKey string) (inserted bool, err error)
	GetDRMKeyBySerial(ctx context.Context, projectName, serial string) (*model.DRMKey, error)
	ClaimDRMKey(ctx context.Context, projectName, serial string) (*model.DRMKey, error)
	CountUnassignedDRMKeys(ctx context.Context, projectName string) (int, error)
	DeleteDRMKeysForProject(ctx context.Context, projectName string) error

	// Audit log methods
	GetAllAuditLogEntries(ctx context.Context) ([]model.AuditLogEntry, error)
	LogAction(ctx context.Context, action, details string) error

	// Backup methods
	ExportDataForBackup(ctx context.Context) (*model.BackupData, error)
	ImportDataFromBackup(ctx context.Context, backup *model.BackupData) error

	// Close releases the underlying connection pool.
	Close() error
}
