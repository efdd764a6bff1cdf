// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cros-factory/dkps/internal/model"
	"github.com/uptrace/bun"
)

// SettingModel maps the `settings` table for Bun queries.
type SettingModel struct {
	bun.BaseModel `bun:"table:settings"`
	Key           string `bun:"key,pk"`
	Value         string `bun:"value"`
}

// ProjectModel maps the `projects` table.
type ProjectModel struct {
	bun.BaseModel           `bun:"table:projects"`
	Name                    string         `bun:"name,pk"`
	UploaderKeyFingerprint  string         `bun:"uploader_key_fingerprint"`
	RequesterKeyFingerprint string         `bun:"requester_key_fingerprint"`
	ParserModule            string         `bun:"parser_module"`
	FilterModule            sql.NullString `bun:"filter_module"`
}

// DRMKeyModel maps the `drm_keys` table.
type DRMKeyModel struct {
	bun.BaseModel      `bun:"table:drm_keys"`
	ID                 int            `bun:"id,pk,autoincrement"`
	ProjectName        string         `bun:"project_name"`
	KeyHash            string         `bun:"key_hash"`
	EncryptedKey       string         `bun:"encrypted_key"`
	DeviceSerialNumber sql.NullString `bun:"device_serial_number"`
	CreatedAt          string         `bun:"created_at"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     string `bun:"timestamp"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

// errClaimRace signals that the claim UPDATE matched no rows because another
// transaction took the candidate first.
var errClaimRace = errors.New("drm key claim lost race")

// --- Mapping helpers (centralized conversions) ---

func projectModelToModel(p ProjectModel) model.Project {
	pr := model.Project{
		Name:                    p.Name,
		UploaderKeyFingerprint:  p.UploaderKeyFingerprint,
		RequesterKeyFingerprint: p.RequesterKeyFingerprint,
		ParserModule:            p.ParserModule,
	}
	if p.FilterModule.Valid {
		pr.FilterModule = p.FilterModule.String
	}
	return pr
}

func drmKeyModelToModel(k DRMKeyModel) model.DRMKey {
	dk := model.DRMKey{
		ID:           k.ID,
		ProjectName:  k.ProjectName,
		KeyHash:      k.KeyHash,
		EncryptedKey: k.EncryptedKey,
		CreatedAt:    k.CreatedAt,
	}
	if k.DeviceSerialNumber.Valid {
		dk.DeviceSerialNumber = k.DeviceSerialNumber.String
	}
	return dk
}

// --- Settings helpers ---

// GetSettingBun returns the value for key, or ErrNotFound.
func GetSettingBun(ctx context.Context, bdb *bun.DB, key string) (string, error) {
	var sm SettingModel
	err := bdb.NewSelect().Model(&sm).Where("key = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return sm.Value, nil
}

// PutSettingBun inserts or replaces a settings row. The delete and insert
// run in one transaction so the setting never transiently disappears.
func PutSettingBun(ctx context.Context, bdb *bun.DB, key, value string) error {
	return WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		if _, err := ExecRaw(ctx, tx, "DELETE FROM settings WHERE key = ?", key); err != nil {
			return err
		}
		_, err := ExecRaw(ctx, tx, "INSERT INTO settings (key, value) VALUES (?, ?)", key, value)
		return MapDBError(err)
	})
}

// --- Project helpers ---

// AddProjectBun inserts a new project row.
func AddProjectBun(ctx context.Context, bdb *bun.DB, p model.Project) error {
	pm := &ProjectModel{
		Name:                    p.Name,
		UploaderKeyFingerprint:  p.UploaderKeyFingerprint,
		RequesterKeyFingerprint: p.RequesterKeyFingerprint,
		ParserModule:            p.ParserModule,
		FilterModule:            sql.NullString{String: p.FilterModule, Valid: p.FilterModule != ""},
	}
	if _, err := bdb.NewInsert().Model(pm).Exec(ctx); err != nil {
		return MapDBError(err)
	}
	return nil
}

// UpdateProjectBun replaces the mutable columns of an existing project.
func UpdateProjectBun(ctx context.Context, bdb *bun.DB, p model.Project) error {
	res, err := ExecRaw(ctx, bdb,
		"UPDATE projects SET uploader_key_fingerprint = ?, requester_key_fingerprint = ?, parser_module = ?, filter_module = ? WHERE name = ?",
		p.UploaderKeyFingerprint, p.RequesterKeyFingerprint, p.ParserModule,
		sql.NullString{String: p.FilterModule, Valid: p.FilterModule != ""}, p.Name)
	if err != nil {
		return MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

// DeleteProjectBun removes a project row by name.
func DeleteProjectBun(ctx context.Context, bdb *bun.DB, name string) error {
	res, err := ExecRaw(ctx, bdb, "DELETE FROM projects WHERE name = ?", name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func getProjectWhereBun(ctx context.Context, bdb *bun.DB, column, value string) (*model.Project, error) {
	var pm ProjectModel
	err := bdb.NewSelect().Model(&pm).Where("? = ?", bun.Ident(column), value).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m := projectModelToModel(pm)
	return &m, nil
}

// GetProjectByNameBun retrieves a project by its unique name.
func GetProjectByNameBun(ctx context.Context, bdb *bun.DB, name string) (*model.Project, error) {
	return getProjectWhereBun(ctx, bdb, "name", name)
}

// GetProjectByUploaderFingerprintBun retrieves the project bound to an uploader key.
func GetProjectByUploaderFingerprintBun(ctx context.Context, bdb *bun.DB, fingerprint string) (*model.Project, error) {
	return getProjectWhereBun(ctx, bdb, "uploader_key_fingerprint", fingerprint)
}

// GetProjectByRequesterFingerprintBun retrieves the project bound to a requester key.
func GetProjectByRequesterFingerprintBun(ctx context.Context, bdb *bun.DB, fingerprint string) (*model.Project, error) {
	return getProjectWhereBun(ctx, bdb, "requester_key_fingerprint", fingerprint)
}

// GetAllProjectsBun returns all projects ordered by name.
func GetAllProjectsBun(ctx context.Context, bdb *bun.DB) ([]model.Project, error) {
	var pms []ProjectModel
	if err := bdb.NewSelect().Model(&pms).OrderExpr("name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Project, 0, len(pms))
	for _, pm := range pms {
		out = append(out, projectModelToModel(pm))
	}
	return out, nil
}

// --- DRM key helpers ---

// InsertDRMKeyBun inserts one escrowed key row with no device binding.
// Rows that would violate the per-project key_hash or encrypted_key
// uniqueness constraints are absorbed: the function reports inserted=false
// instead of an error, since duplicate re-uploads are a benign outcome.
func InsertDRMKeyBun(ctx context.Context, bdb *bun.DB, projectName, keyHash, encryptedKey string) (bool, error) {
	_, err := ExecRaw(ctx, bdb,
		"INSERT INTO drm_keys (project_name, key_hash, encrypted_key) VALUES (?, ?, ?)",
		projectName, keyHash, encryptedKey)
	if err != nil {
		if errors.Is(MapDBError(err), ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetDRMKeyBySerialBun returns the key bound to (project, serial), or ErrNotFound.
func GetDRMKeyBySerialBun(ctx context.Context, bdb *bun.DB, projectName, serial string) (*model.DRMKey, error) {
	var km DRMKeyModel
	err := bdb.NewSelect().Model(&km).
		Where("project_name = ?", projectName).
		Where("device_serial_number = ?", serial).
		Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m := drmKeyModelToModel(km)
	return &m, nil
}

// ClaimDRMKeyBun binds an unassigned key to the given device serial inside a
// single transaction. If the serial is already bound, the existing row is
// returned (the operation is an idempotent lookup). Candidate selection is
// lowest id first so assignments are auditable. forUpdate adds a row-level
// lock on the candidate select for engines that support it; on SQLite the
// write transaction itself serializes claimants.
//
// ErrNotFound means the project's unassigned pool is empty. A lost race
// (another transaction claimed the candidate, or another request bound the
// same serial first) is retried once before being surfaced.
func ClaimDRMKeyBun(ctx context.Context, bdb *bun.DB, projectName, serial string, forUpdate bool) (*model.DRMKey, error) {
	var claimed *model.DRMKey
	attempt := func() error {
		return WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
			var km DRMKeyModel

			// Retry-safe path: the serial may already be bound.
			err := tx.NewSelect().Model(&km).
				Where("project_name = ?", projectName).
				Where("device_serial_number = ?", serial).
				Limit(1).Scan(ctx)
			if err == nil {
				m := drmKeyModelToModel(km)
				claimed = &m
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			q := tx.NewSelect().Model(&km).
				Where("project_name = ?", projectName).
				Where("device_serial_number IS NULL").
				OrderExpr("id ASC").Limit(1)
			if forUpdate {
				q = q.For("UPDATE")
			}
			if err := q.Scan(ctx); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return err
			}

			res, err := ExecRaw(ctx, tx,
				"UPDATE drm_keys SET device_serial_number = ? WHERE id = ? AND device_serial_number IS NULL",
				serial, km.ID)
			if err != nil {
				// Unique (project, serial) violation: a concurrent request
				// bound this serial between our two selects.
				if errors.Is(MapDBError(err), ErrDuplicate) {
					return errClaimRace
				}
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != 1 {
				return errClaimRace
			}

			km.DeviceSerialNumber = sql.NullString{String: serial, Valid: true}
			m := drmKeyModelToModel(km)
			claimed = &m
			return nil
		})
	}

	err := attempt()
	if errors.Is(err, errClaimRace) {
		err = attempt()
		if errors.Is(err, errClaimRace) {
			err = fmt.Errorf("claim for serial %s did not settle: %w", serial, ErrNotFound)
		}
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CountUnassignedDRMKeysBun returns the size of a project's unassigned pool.
func CountUnassignedDRMKeysBun(ctx context.Context, bdb *bun.DB, projectName string) (int, error) {
	var count int
	err := QueryRawInto(ctx, bdb, &count,
		"SELECT COUNT(id) FROM drm_keys WHERE project_name = ? AND device_serial_number IS NULL",
		projectName)
	return count, err
}

// DeleteDRMKeysForProjectBun removes all escrowed keys for a project.
func DeleteDRMKeysForProjectBun(ctx context.Context, bdb *bun.DB, projectName string) error {
	_, err := ExecRaw(ctx, bdb, "DELETE FROM drm_keys WHERE project_name = ?", projectName)
	return err
}

// --- Audit log helpers ---

// GetAllAuditLogEntriesBun retrieves audit log entries ordered by timestamp desc.
func GetAllAuditLogEntriesBun(ctx context.Context, bdb *bun.DB) ([]model.AuditLogEntry, error) {
	var am []AuditLogModel
	if err := bdb.NewSelect().Model(&am).OrderExpr("timestamp DESC, id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(am))
	for _, a := range am {
		out = append(out, model.AuditLogEntry{ID: a.ID, Timestamp: a.Timestamp, Action: a.Action, Details: a.Details})
	}
	return out, nil
}

// LogActionBun inserts an audit log entry.
func LogActionBun(ctx context.Context, bdb *bun.DB, action, details string) error {
	_, err := ExecRaw(ctx, bdb, "INSERT INTO audit_log (action, details) VALUES (?, ?)", action, details)
	return MapDBError(err)
}

// --- Backup helpers ---

// ExportDataForBackupBun exports all tables' data into a model.BackupData
// using a Bun transaction so the snapshot is consistent.
func ExportDataForBackupBun(ctx context.Context, bdb *bun.DB) (*model.BackupData, error) {
	var backup *model.BackupData
	err := WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		backup = &model.BackupData{SchemaVersion: model.BackupSchemaVersion}

		var sms []SettingModel
		if err := tx.NewSelect().Model(&sms).Scan(ctx); err != nil {
			return err
		}
		for _, s := range sms {
			backup.Settings = append(backup.Settings, model.Setting{Key: s.Key, Value: s.Value})
		}

		var pms []ProjectModel
		if err := tx.NewSelect().Model(&pms).Scan(ctx); err != nil {
			return err
		}
		for _, p := range pms {
			backup.Projects = append(backup.Projects, projectModelToModel(p))
		}

		var kms []DRMKeyModel
		if err := tx.NewSelect().Model(&kms).OrderExpr("id ASC").Scan(ctx); err != nil {
			return err
		}
		for _, k := range kms {
			backup.DRMKeys = append(backup.DRMKeys, drmKeyModelToModel(k))
		}

		var ams []AuditLogModel
		if err := tx.NewSelect().Model(&ams).Scan(ctx); err != nil {
			return err
		}
		for _, a := range ams {
			backup.AuditLogEntries = append(backup.AuditLogEntries, model.AuditLogEntry{ID: a.ID, Timestamp: a.Timestamp, Action: a.Action, Details: a.Details})
		}

		return nil
	})
	return backup, err
}

// ImportDataFromBackupBun performs a full wipe-and-replace using a Bun
// transaction. Backups with an unknown schema version are rejected before
// any table is touched.
func ImportDataFromBackupBun(ctx context.Context, bdb *bun.DB, backup *model.BackupData) error {
	if backup.SchemaVersion != model.BackupSchemaVersion {
		return fmt.Errorf("unsupported backup schema version %d (want %d)", backup.SchemaVersion, model.BackupSchemaVersion)
	}
	return WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		// Wipe tables; drm_keys first because of the projects foreign key.
		for _, t := range []string{"drm_keys", "projects", "audit_log", "settings"} {
			if _, err := ExecRaw(ctx, tx, fmt.Sprintf("DELETE FROM %s", t)); err != nil {
				return err
			}
		}

		for _, s := range backup.Settings {
			if _, err := ExecRaw(ctx, tx, "INSERT INTO settings (key, value) VALUES (?, ?)", s.Key, s.Value); err != nil {
				return MapDBError(err)
			}
		}
		for _, p := range backup.Projects {
			if _, err := ExecRaw(ctx, tx,
				"INSERT INTO projects (name, uploader_key_fingerprint, requester_key_fingerprint, parser_module, filter_module) VALUES (?, ?, ?, ?, ?)",
				p.Name, p.UploaderKeyFingerprint, p.RequesterKeyFingerprint, p.ParserModule,
				sql.NullString{String: p.FilterModule, Valid: p.FilterModule != ""}); err != nil {
				return MapDBError(err)
			}
		}
		for _, k := range backup.DRMKeys {
			if _, err := ExecRaw(ctx, tx,
				"INSERT INTO drm_keys (id, project_name, key_hash, encrypted_key, device_serial_number, created_at) VALUES (?, ?, ?, ?, ?, ?)",
				k.ID, k.ProjectName, k.KeyHash, k.EncryptedKey,
				sql.NullString{String: k.DeviceSerialNumber, Valid: k.DeviceSerialNumber != ""},
				k.CreatedAt); err != nil {
				return MapDBError(err)
			}
		}
		for _, a := range backup.AuditLogEntries {
			if _, err := ExecRaw(ctx, tx,
				"INSERT INTO audit_log (id, timestamp, action, details) VALUES (?, ?, ?, ?)",
				a.ID, a.Timestamp, a.Action, a.Details); err != nil {
				return MapDBError(err)
			}
		}
		return nil
	})
}
