// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the SQLite implementation of the database store.
package db

import (
	"context"

	"github.com/cros-factory/dkps/internal/model"
	"github.com/uptrace/bun"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SqliteStore is the SQLite implementation of the Store interface.
type SqliteStore struct {
	bun *bun.DB
}

func (s *SqliteStore) GetSetting(ctx context.Context, key string) (string, error) {
	return GetSettingBun(ctx, s.bun, key)
}

func (s *SqliteStore) PutSetting(ctx context.Context, key, value string) error {
	return PutSettingBun(ctx, s.bun, key, value)
}

func (s *SqliteStore) AddProject(ctx context.Context, p model.Project) error {
	return AddProjectBun(ctx, s.bun, p)
}

func (s *SqliteStore) UpdateProject(ctx context.Context, p model.Project) error {
	return UpdateProjectBun(ctx, s.bun, p)
}

func (s *SqliteStore) DeleteProject(ctx context.Context, name string) error {
	return DeleteProjectBun(ctx, s.bun, name)
}

func (s *SqliteStore) GetProjectByName(ctx context.Context, name string) (*model.Project, error) {
	return GetProjectByNameBun(ctx, s.bun, name)
}

func (s *SqliteStore) GetProjectByUploaderFingerprint(ctx context.Context, fingerprint string) (*model.Project, error) {
	return GetProjectByUploaderFingerprintBun(ctx, s.bun, fingerprint)
}

func (s *SqliteStore) GetProjectByRequesterFingerprint(ctx context.Context, fingerprint string) (*model.Project, error) {
	return GetProjectByRequesterFingerprintBun(ctx, s.bun, fingerprint)
}

func (s *SqliteStore) GetAllProjects(ctx context.Context) ([]model.Project, error) {
	return GetAllProjectsBun(ctx, s.bun)
}

func (s *SqliteStore) InsertDRMKey(ctx context.Context, projectName, keyHash, encryptedKey string) (bool, error) {
	return InsertDRMKeyBun(ctx, s.bun, projectName, keyHash, encryptedKey)
}

func (s *SqliteStore) GetDRMKeyBySerial(ctx context.Context, projectName, serial string) (*model.DRMKey, error) {
	return GetDRMKeyBySerialBun(ctx, s.bun, projectName, serial)
}

// ClaimDRMKey relies on SQLite's single-writer transaction to serialize
// claimants; no row-level lock clause is needed (or supported).
func (s *SqliteStore) ClaimDRMKey(ctx context.Context, projectName, serial string) (*model.DRMKey, error) {
	return ClaimDRMKeyBun(ctx, s.bun, projectName, serial, false)
}

func (s *SqliteStore) CountUnassignedDRMKeys(ctx context.Context, projectName string) (int, error) {
	return CountUnassignedDRMKeysBun(ctx, s.bun, projectName)
}

func (s *SqliteStore) DeleteDRMKeysForProject(ctx context.Context, projectName string) error {
	return DeleteDRMKeysForProjectBun(ctx, s.bun, projectName)
}

func (s *SqliteStore) GetAllAuditLogEntries(ctx context.Context) ([]model.AuditLogEntry, error) {
	return GetAllAuditLogEntriesBun(ctx, s.bun)
}

func (s *SqliteStore) LogAction(ctx context.Context, action, details string) error {
	return LogActionBun(ctx, s.bun, action, details)
}

func (s *SqliteStore) ExportDataForBackup(ctx context.Context) (*model.BackupData, error) {
	return ExportDataForBackupBun(ctx, s.bun)
}

func (s *SqliteStore) ImportDataFromBackup(ctx context.Context, backup *model.BackupData) error {
	return ImportDataFromBackupBun(ctx, s.bun, backup)
}

func (s *SqliteStore) Close() error {
	return s.bun.Close()
}
