// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the MySQL implementation of the database store.
package db

import (
	"context"

	"github.com/cros-factory/dkps/internal/model"
	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/uptrace/bun"
)

// MySQLStore is the MySQL implementation of the Store interface.
type MySQLStore struct {
	bun *bun.DB
}

func (s *MySQLStore) GetSetting(ctx context.Context, key string) (string, error) {
	return GetSettingBun(ctx, s.bun, key)
}

func (s *MySQLStore) PutSetting(ctx context.Context, key, value string) error {
	return PutSettingBun(ctx, s.bun, key, value)
}

func (s *MySQLStore) AddProject(ctx context.Context, p model.Project) error {
	return AddProjectBun(ctx, s.bun, p)
}

func (s *MySQLStore) UpdateProject(ctx context.Context, p model.Project) error {
	return UpdateProjectBun(ctx, s.bun, p)
}

func (s *MySQLStore) DeleteProject(ctx context.Context, name string) error {
	return DeleteProjectBun(ctx, s.bun, name)
}

func (s *MySQLStore) GetProjectByName(ctx context.Context, name string) (*model.Project, error) {
	return GetProjectByNameBun(ctx, s.bun, name)
}

func (s *MySQLStore) GetProjectByUploaderFingerprint(ctx context.Context, fingerprint string) (*model.Project, error) {
	return GetProjectByUploaderFingerprintBun(ctx, s.bun, fingerprint)
}

func (s *MySQLStore) GetProjectByRequesterFingerprint(ctx context.Context, fingerprint string) (*model.Project, error) {
	return GetProjectByRequesterFingerprintBun(ctx, s.bun, fingerprint)
}

func (s *MySQLStore) GetAllProjects(ctx context.Context) ([]model.Project, error) {
	return GetAllProjectsBun(ctx, s.bun)
}

func (s *MySQLStore) InsertDRMKey(ctx context.Context, projectName, keyHash, encryptedKey string) (bool, error) {
	return InsertDRMKeyBun(ctx, s.bun, projectName, keyHash, encryptedKey)
}

func (s *MySQLStore) GetDRMKeyBySerial(ctx context.Context, projectName, serial string) (*model.DRMKey, error) {
	return GetDRMKeyBySerialBun(ctx, s.bun, projectName, serial)
}

// ClaimDRMKey locks the candidate row with SELECT ... FOR UPDATE.
func (s *MySQLStore) ClaimDRMKey(ctx context.Context, projectName, serial string) (*model.DRMKey, error) {
	return ClaimDRMKeyBun(ctx, s.bun, projectName, serial, true)
}

func (s *MySQLStore) CountUnassignedDRMKeys(ctx context.Context, projectName string) (int, error) {
	return CountUnassignedDRMKeysBun(ctx, s.bun, projectName)
}

func (s *MySQLStore) DeleteDRMKeysForProject(ctx context.Context, projectName string) error {
	return DeleteDRMKeysForProjectBun(ctx, s.bun, projectName)
}

func (s *MySQLStore) GetAllAuditLogEntries(ctx context.Context) ([]model.AuditLogEntry, error) {
	return GetAllAuditLogEntriesBun(ctx, s.bun)
}

func (s *MySQLStore) LogAction(ctx context.Context, action, details string) error {
	return LogActionBun(ctx, s.bun, action, details)
}

func (s *MySQLStore) ExportDataForBackup(ctx context.Context) (*model.BackupData, error) {
	return ExportDataForBackupBun(ctx, s.bun)
}

func (s *MySQLStore) ImportDataFromBackup(ctx context.Context, backup *model.BackupData) error {
	return ImportDataFromBackupBun(ctx, s.bun, backup)
}

func (s *MySQLStore) Close() error {
	return s.bun.Close()
}
