// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cros-factory/dkps/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addTestProject(t *testing.T, store Store, name string) model.Project {
	t.Helper()
	p := model.Project{
		Name:                    name,
		UploaderKeyFingerprint:  "UP-" + name,
		RequesterKeyFingerprint: "REQ-" + name,
		ParserModule:            "json_list",
	}
	if err := store.AddProject(context.Background(), p); err != nil {
		t.Fatalf("AddProject(%s): %v", name, err)
	}
	return p
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSetting(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting(missing): got %v, want ErrNotFound", err)
	}
	if err := store.PutSetting(ctx, "server_key_fingerprint", "ABCD"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	got, err := store.GetSetting(ctx, "server_key_fingerprint")
	if err != nil || got != "ABCD" {
		t.Errorf("GetSetting = (%q, %v), want (ABCD, nil)", got, err)
	}
	// Overwrite.
	if err := store.PutSetting(ctx, "server_key_fingerprint", "EF01"); err != nil {
		t.Fatalf("PutSetting overwrite: %v", err)
	}
	got, _ = store.GetSetting(ctx, "server_key_fingerprint")
	if got != "EF01" {
		t.Errorf("GetSetting after overwrite = %q, want EF01", got)
	}
}

func TestProjectCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := addTestProject(t, store, "acme")

	got, err := store.GetProjectByName(ctx, "acme")
	if err != nil {
		t.Fatalf("GetProjectByName: %v", err)
	}
	if *got != p {
		t.Errorf("GetProjectByName = %+v, want %+v", got, p)
	}

	if got, err = store.GetProjectByUploaderFingerprint(ctx, p.UploaderKeyFingerprint); err != nil || got.Name != "acme" {
		t.Errorf("GetProjectByUploaderFingerprint = (%v, %v)", got, err)
	}
	if got, err = store.GetProjectByRequesterFingerprint(ctx, p.RequesterKeyFingerprint); err != nil || got.Name != "acme" {
		t.Errorf("GetProjectByRequesterFingerprint = (%v, %v)", got, err)
	}
	if _, err := store.GetProjectByName(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProjectByName(ghost): got %v, want ErrNotFound", err)
	}

	p.FilterModule = "require_fields"
	if err := store.UpdateProject(ctx, p); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	got, _ = store.GetProjectByName(ctx, "acme")
	if got.FilterModule != "require_fields" {
		t.Errorf("FilterModule after update = %q", got.FilterModule)
	}

	ghost := p
	ghost.Name = "ghost"
	if err := store.UpdateProject(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateProject(ghost): got %v, want ErrNotFound", err)
	}

	if err := store.DeleteProject(ctx, "acme"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if err := store.DeleteProject(ctx, "acme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteProject: got %v, want ErrNotFound", err)
	}
}

func TestProjectUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := addTestProject(t, store, "acme")

	if err := store.AddProject(ctx, p); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate name: got %v, want ErrDuplicate", err)
	}

	clone := p
	clone.Name = "other"
	clone.RequesterKeyFingerprint = "REQ-other"
	if err := store.AddProject(ctx, clone); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate uploader fingerprint: got %v, want ErrDuplicate", err)
	}

	clone = p
	clone.Name = "other"
	clone.UploaderKeyFingerprint = "UP-other"
	if err := store.AddProject(ctx, clone); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate requester fingerprint: got %v, want ErrDuplicate", err)
	}
}

func TestGetAllProjectsOrdered(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		addTestProject(t, store, name)
	}
	all, err := store.GetAllProjects(context.Background())
	if err != nil {
		t.Fatalf("GetAllProjects: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(all) != len(want) {
		t.Fatalf("got %d projects, want %d", len(all), len(want))
	}
	for i, name := range want {
		if all[i].Name != name {
			t.Errorf("project[%d] = %s, want %s", i, all[i].Name, name)
		}
	}
}

func TestInsertDRMKeyDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addTestProject(t, store, "acme")

	inserted, err := store.InsertDRMKey(ctx, "acme", "hash-1", "ct-1")
	if err != nil || !inserted {
		t.Fatalf("first insert = (%v, %v), want (true, nil)", inserted, err)
	}
	inserted, err = store.InsertDRMKey(ctx, "acme", "hash-1", "ct-other")
	if err != nil || inserted {
		t.Errorf("duplicate hash = (%v, %v), want (false, nil)", inserted, err)
	}
	inserted, err = store.InsertDRMKey(ctx, "acme", "hash-other", "ct-1")
	if err != nil || inserted {
		t.Errorf("duplicate ciphertext = (%v, %v), want (false, nil)", inserted, err)
	}

	// Same hash in a different project is a separate key.
	addTestProject(t, store, "other")
	inserted, err = store.InsertDRMKey(ctx, "other", "hash-1", "ct-1")
	if err != nil || !inserted {
		t.Errorf("same hash, other project = (%v, %v), want (true, nil)", inserted, err)
	}
}

func TestClaimDRMKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addTestProject(t, store, "acme")

	for i := 1; i <= 3; i++ {
		if _, err := store.InsertDRMKey(ctx, "acme", fmt.Sprintf("hash-%d", i), fmt.Sprintf("ct-%d", i)); err != nil {
			t.Fatalf("InsertDRMKey: %v", err)
		}
	}

	// Claims go out in insertion order.
	first, err := store.ClaimDRMKey(ctx, "acme", "SN001")
	if err != nil {
		t.Fatalf("ClaimDRMKey: %v", err)
	}
	if first.KeyHash != "hash-1" {
		t.Errorf("first claim = %s, want hash-1", first.KeyHash)
	}

	// Same serial gets the same key back.
	again, err := store.ClaimDRMKey(ctx, "acme", "SN001")
	if err != nil {
		t.Fatalf("repeat ClaimDRMKey: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("repeat claim returned key %d, want %d", again.ID, first.ID)
	}

	second, err := store.ClaimDRMKey(ctx, "acme", "SN002")
	if err != nil {
		t.Fatalf("ClaimDRMKey SN002: %v", err)
	}
	if second.ID == first.ID {
		t.Error("two serials share one key")
	}

	count, err := store.CountUnassignedDRMKeys(ctx, "acme")
	if err != nil || count != 1 {
		t.Errorf("CountUnassignedDRMKeys = (%d, %v), want (1, nil)", count, err)
	}

	if _, err := store.ClaimDRMKey(ctx, "acme", "SN003"); err != nil {
		t.Fatalf("ClaimDRMKey SN003: %v", err)
	}
	if _, err := store.ClaimDRMKey(ctx, "acme", "SN004"); !errors.Is(err, ErrNotFound) {
		t.Errorf("exhausted pool: got %v, want ErrNotFound", err)
	}

	// Exhaustion does not disturb existing assignments.
	key, err := store.GetDRMKeyBySerial(ctx, "acme", "SN001")
	if err != nil || key.ID != first.ID {
		t.Errorf("GetDRMKeyBySerial after exhaustion = (%v, %v)", key, err)
	}
}

// Concurrent claims with distinct serials must each take a distinct key,
// and exactly one claimant over an N-key pool sees exhaustion. A file-backed
// database exercises real writer contention, not just the shared in-memory
// handle.
func TestClaimDRMKeyConcurrentSerials(t *testing.T) {
	store, err := New("sqlite", filepath.Join(t.TempDir(), "dkps.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	addTestProject(t, store, "acme")

	const pool = 8
	for i := 0; i < pool; i++ {
		if _, err := store.InsertDRMKey(ctx, "acme", fmt.Sprintf("hash-%d", i), fmt.Sprintf("ct-%d", i)); err != nil {
			t.Fatalf("InsertDRMKey: %v", err)
		}
	}

	type outcome struct {
		serial string
		key    *model.DRMKey
		err    error
	}
	results := make(chan outcome, pool+1)
	var wg sync.WaitGroup
	for i := 0; i <= pool; i++ {
		serial := fmt.Sprintf("SN%03d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := store.ClaimDRMKey(ctx, "acme", serial)
			results <- outcome{serial: serial, key: key, err: err}
		}()
	}
	wg.Wait()
	close(results)

	assigned := make(map[int]string)
	exhausted := 0
	for r := range results {
		switch {
		case r.err == nil:
			if prev, ok := assigned[r.key.ID]; ok {
				t.Errorf("key %d assigned to both %s and %s", r.key.ID, prev, r.serial)
			}
			assigned[r.key.ID] = r.serial
		case errors.Is(r.err, ErrNotFound):
			exhausted++
		default:
			t.Errorf("claim for %s: %v", r.serial, r.err)
		}
	}
	if len(assigned) != pool {
		t.Errorf("claimed %d keys, want %d", len(assigned), pool)
	}
	if exhausted != 1 {
		t.Errorf("%d claimants saw an empty pool, want exactly 1", exhausted)
	}
}

func TestDeleteDRMKeysForProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addTestProject(t, store, "acme")
	addTestProject(t, store, "other")

	if _, err := store.InsertDRMKey(ctx, "acme", "h1", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertDRMKey(ctx, "other", "h2", "c2"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteDRMKeysForProject(ctx, "acme"); err != nil {
		t.Fatalf("DeleteDRMKeysForProject: %v", err)
	}
	count, _ := store.CountUnassignedDRMKeys(ctx, "acme")
	if count != 0 {
		t.Errorf("acme still has %d keys", count)
	}
	count, _ = store.CountUnassignedDRMKeys(ctx, "other")
	if count != 1 {
		t.Errorf("other project lost its keys (count=%d)", count)
	}
}

func TestAuditLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"first", "second"} {
		if err := store.LogAction(ctx, action, "details of "+action); err != nil {
			t.Fatalf("LogAction: %v", err)
		}
	}
	entries, err := store.GetAllAuditLogEntries(ctx)
	if err != nil {
		t.Fatalf("GetAllAuditLogEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Most recent first.
	if entries[0].Action != "second" {
		t.Errorf("entries[0].Action = %s, want second", entries[0].Action)
	}
}

func TestBackupRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutSetting(ctx, "server_key_fingerprint", "FPR"); err != nil {
		t.Fatal(err)
	}
	addTestProject(t, store, "acme")
	if _, err := store.InsertDRMKey(ctx, "acme", "h1", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimDRMKey(ctx, "acme", "SN001"); err != nil {
		t.Fatal(err)
	}
	if err := store.LogAction(ctx, "upload keys", "project=acme"); err != nil {
		t.Fatal(err)
	}

	backup, err := store.ExportDataForBackup(ctx)
	if err != nil {
		t.Fatalf("ExportDataForBackup: %v", err)
	}
	if backup.SchemaVersion != model.BackupSchemaVersion {
		t.Errorf("SchemaVersion = %d", backup.SchemaVersion)
	}

	// A distinctive timestamp so the round-trip check cannot pass by the
	// restored row picking up a fresh default.
	backup.DRMKeys[0].CreatedAt = "2026-01-02 03:04:05"

	// Restore into a fresh store.
	restored := newTestStore(t)
	if err := restored.ImportDataFromBackup(ctx, backup); err != nil {
		t.Fatalf("ImportDataFromBackup: %v", err)
	}
	if v, err := restored.GetSetting(ctx, "server_key_fingerprint"); err != nil || v != "FPR" {
		t.Errorf("restored setting = (%q, %v)", v, err)
	}
	if _, err := restored.GetProjectByName(ctx, "acme"); err != nil {
		t.Errorf("restored project: %v", err)
	}
	key, err := restored.GetDRMKeyBySerial(ctx, "acme", "SN001")
	if err != nil || key.KeyHash != "h1" {
		t.Errorf("restored assignment = (%v, %v)", key, err)
	}
	entries, err := restored.GetAllAuditLogEntries(ctx)
	if err != nil || len(entries) != 1 {
		t.Errorf("restored audit log = (%d entries, %v)", len(entries), err)
	}

	reexport, err := restored.ExportDataForBackup(ctx)
	if err != nil {
		t.Fatalf("ExportDataForBackup after restore: %v", err)
	}
	if len(reexport.DRMKeys) != 1 || reexport.DRMKeys[0].CreatedAt != "2026-01-02 03:04:05" {
		t.Errorf("restored keys lost created_at: %+v", reexport.DRMKeys)
	}
}

func TestImportRejectsUnknownSchemaVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.PutSetting(ctx, "server_key_fingerprint", "FPR"); err != nil {
		t.Fatal(err)
	}

	bad := &model.BackupData{SchemaVersion: model.BackupSchemaVersion + 1}
	if err := store.ImportDataFromBackup(ctx, bad); err == nil {
		t.Fatal("ImportDataFromBackup accepted an unknown schema version")
	}
	// A rejected import must leave existing data untouched.
	if v, err := store.GetSetting(ctx, "server_key_fingerprint"); err != nil || v != "FPR" {
		t.Errorf("setting after rejected import = (%q, %v)", v, err)
	}
}
