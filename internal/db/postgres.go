// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the PostgreSQL implementation of the database store.
package db

import (
	"context"

	"github.com/cros-factory/dkps/internal/model"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/uptrace/bun"
)

// PostgresStore is the PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	bun *bun.DB
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	return GetSettingBun(ctx, s.bun, key)
}

func (s *PostgresStore) PutSetting(ctx context.Context, key, value string) error {
	return PutSettingBun(ctx, s.bun, key, value)
}

func (s *PostgresStore) AddProject(ctx context.Context, p model.Project) error {
	return AddProjectBun(ctx, s.bun, p)
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p model.Project) error {
	return UpdateProjectBun(ctx, s.bun, p)
}

func (s *PostgresStore) DeleteProject(ctx context.Context, name string) error {
	return DeleteProjectBun(ctx, s.bun, name)
}

func (s *PostgresStore) GetProjectByName(ctx context.Context, name string) (*model.Project, error) {
	return GetProjectByNameBun(ctx, s.bun, name)
}

func (s *PostgresStore) GetProjectByUploaderFingerprint(ctx context.Context, fingerprint string) (*model.Project, error) {
	return GetProjectByUploaderFingerprintBun(ctx, s.bun, fingerprint)
}

func (s *PostgresStore) GetProjectByRequesterFingerprint(ctx context.Context, fingerprint string) (*model.Project, error) {
	return GetProjectByRequesterFingerprintBun(ctx, s.bun, fingerprint)
}

func (s *PostgresStore) GetAllProjects(ctx context.Context) ([]model.Project, error) {
	return GetAllProjectsBun(ctx, s.bun)
}

func (s *PostgresStore) InsertDRMKey(ctx context.Context, projectName, keyHash, encryptedKey string) (bool, error) {
	return InsertDRMKeyBun(ctx, s.bun, projectName, keyHash, encryptedKey)
}

func (s *PostgresStore) GetDRMKeyBySerial(ctx context.Context, projectName, serial string) (*model.DRMKey, error) {
	return GetDRMKeyBySerialBun(ctx, s.bun, projectName, serial)
}

// ClaimDRMKey locks the candidate row with SELECT ... FOR UPDATE so that
// concurrent claims for different serials cannot select the same row.
func (s *PostgresStore) ClaimDRMKey(ctx context.Context, projectName, serial string) (*model.DRMKey, error) {
	return ClaimDRMKeyBun(ctx, s.bun, projectName, serial, true)
}

func (s *PostgresStore) CountUnassignedDRMKeys(ctx context.Context, projectName string) (int, error) {
	return CountUnassignedDRMKeysBun(ctx, s.bun, projectName)
}

func (s *PostgresStore) DeleteDRMKeysForProject(ctx context.Context, projectName string) error {
	return DeleteDRMKeysForProjectBun(ctx, s.bun, projectName)
}

func (s *PostgresStore) GetAllAuditLogEntries(ctx context.Context) ([]model.AuditLogEntry, error) {
	return GetAllAuditLogEntriesBun(ctx, s.bun)
}

func (s *PostgresStore) LogAction(ctx context.Context, action, details string) error {
	return LogActionBun(ctx, s.bun, action, details)
}

func (s *PostgresStore) ExportDataForBackup(ctx context.Context) (*model.BackupData, error) {
	return ExportDataForBackupBun(ctx, s.bun)
}

func (s *PostgresStore) ImportDataFromBackup(ctx context.Context, backup *model.BackupData) error {
	return ImportDataFromBackupBun(ctx, s.bun, backup)
}

func (s *PostgresStore) Close() error {
	return s.bun.Close()
}
