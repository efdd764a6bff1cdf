// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"path/filepath"
	"testing"

	"github.com/cros-factory/dkps/internal/model"
)

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{
		"init", "destroy", "add", "update", "rm", "list", "listen",
		"backup", "restore", "log", "upload", "request", "available",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestCompressedBackupRoundtrip(t *testing.T) {
	data := &model.BackupData{
		SchemaVersion: model.BackupSchemaVersion,
		Settings:      []model.Setting{{Key: "server_key_fingerprint", Value: "FPR"}},
		Projects: []model.Project{{
			Name:                    "acme",
			UploaderKeyFingerprint:  "UP",
			RequesterKeyFingerprint: "REQ",
			ParserModule:            "json_list",
		}},
		DRMKeys: []model.DRMKey{{
			ID: 1, ProjectName: "acme", KeyHash: "h1",
			EncryptedKey: "ct", DeviceSerialNumber: "SN001",
		}},
	}

	path := filepath.Join(t.TempDir(), "backup.json.zst")
	if err := writeCompressedBackup(path, data); err != nil {
		t.Fatalf("writeCompressedBackup: %v", err)
	}
	got, err := readCompressedBackup(path)
	if err != nil {
		t.Fatalf("readCompressedBackup: %v", err)
	}
	if got.SchemaVersion != data.SchemaVersion {
		t.Errorf("SchemaVersion = %d", got.SchemaVersion)
	}
	if len(got.Projects) != 1 || got.Projects[0].Name != "acme" {
		t.Errorf("Projects = %+v", got.Projects)
	}
	if len(got.DRMKeys) != 1 || got.DRMKeys[0].DeviceSerialNumber != "SN001" {
		t.Errorf("DRMKeys = %+v", got.DRMKeys)
	}
}
