// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/cros-factory/dkps/internal/db"
	"github.com/cros-factory/dkps/internal/keymod"
	"github.com/cros-factory/dkps/internal/pgp"
	"github.com/cros-factory/dkps/internal/registry"
)

// fixture wires a complete in-memory provisioning stack: server keyring,
// sqlite store, one registered project with live uploader and requester
// keys.
type fixture struct {
	engine    *Engine
	store     db.Store
	keyring   *pgp.Keyring
	uploader  *openpgp.Entity
	requester *openpgp.Entity
	serverPub *openpgp.Entity
}

func newEntity(t *testing.T, name string) *openpgp.Entity {
	t.Helper()
	cfg := &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA}
	e, err := openpgp.NewEntity(name, "", name+"@example.com", cfg)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return e
}

func armorPublic(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	if err := e.Serialize(aw); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func newFixture(t *testing.T, parserModule, filterModule string) *fixture {
	t.Helper()
	store, err := db.New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keyring, err := pgp.Load(t.TempDir())
	if err != nil {
		t.Fatalf("pgp.Load: %v", err)
	}
	if _, err := keyring.InitGenerate("Test Server", "", "server@example.com"); err != nil {
		t.Fatalf("InitGenerate: %v", err)
	}

	f := &fixture{
		store:     store,
		keyring:   keyring,
		uploader:  newEntity(t, "uploader"),
		requester: newEntity(t, "requester"),
	}

	serverPub, err := keyring.ExportServerPublicKey()
	if err != nil {
		t.Fatalf("ExportServerPublicKey: %v", err)
	}
	if f.serverPub, err = pgp.ReadEntity([]byte(serverPub)); err != nil {
		t.Fatalf("ReadEntity: %v", err)
	}

	reg := registry.New(store, keyring)
	if _, err := reg.Register(context.Background(), "acme",
		armorPublic(t, f.uploader), armorPublic(t, f.requester),
		parserModule, filterModule); err != nil {
		t.Fatalf("Register: %v", err)
	}

	f.engine = New(store, keyring, reg)
	return f
}

func (f *fixture) upload(t *testing.T, keys []byte) (int, error) {
	t.Helper()
	sealed, err := pgp.SealFor(f.uploader, f.serverPub, keys)
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}
	return f.engine.Upload(context.Background(), sealed)
}

// request runs a full round trip: seal the serial as the requester, claim,
// open the response, verify the server signed it.
func (f *fixture) request(t *testing.T, serial string) ([]byte, error) {
	t.Helper()
	sealed, err := pgp.SealFor(f.requester, f.serverPub, []byte(serial))
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}
	resp, err := f.engine.Request(context.Background(), sealed)
	if err != nil {
		return nil, err
	}
	plaintext, signer, err := pgp.OpenWith(openpgp.EntityList{f.requester, f.serverPub}, resp)
	if err != nil {
		t.Fatalf("response did not verify: %v", err)
	}
	if signer != pgp.Fingerprint(f.serverPub) {
		t.Fatalf("response signed by %s, not the server", signer)
	}
	return plaintext, nil
}

const testBatch = `[
	{"serial": 1, "key": "key-one"},
	{"serial": 2, "key": "key-two"},
	{"serial": 3, "key": "key-three"}
]`

func TestUploadStoresKeys(t *testing.T) {
	f := newFixture(t, "json_list", "")

	count, err := f.upload(t, []byte(testBatch))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if count != 3 {
		t.Errorf("stored %d keys, want 3", count)
	}
	pool, err := f.store.CountUnassignedDRMKeys(context.Background(), "acme")
	if err != nil || pool != 3 {
		t.Errorf("pool = (%d, %v), want (3, nil)", pool, err)
	}
}

func TestUploadAbsorbsDuplicates(t *testing.T) {
	f := newFixture(t, "json_list", "")

	if _, err := f.upload(t, []byte(testBatch)); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	count, err := f.upload(t, []byte(testBatch))
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if count != 0 {
		t.Errorf("re-upload stored %d keys, want 0", count)
	}

	// A batch overlapping the first only stores the new key.
	count, err = f.upload(t, []byte(`[{"serial": 3, "key": "key-three"}, {"serial": 4, "key": "key-four"}]`))
	if err != nil {
		t.Fatalf("overlapping upload: %v", err)
	}
	if count != 1 {
		t.Errorf("overlapping upload stored %d keys, want 1", count)
	}
}

func TestUploadRejectsStrangers(t *testing.T) {
	f := newFixture(t, "json_list", "")

	stranger := newEntity(t, "stranger")
	sealed, err := pgp.SealFor(stranger, f.serverPub, []byte(testBatch))
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}
	if _, err := f.engine.Upload(context.Background(), sealed); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("stranger upload: got %v, want ErrAuthentication", err)
	}

	// The requester key cannot upload either.
	sealed, err = pgp.SealFor(f.requester, f.serverPub, []byte(testBatch))
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}
	if _, err := f.engine.Upload(context.Background(), sealed); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("requester upload: got %v, want ErrAuthentication", err)
	}
}

func TestUploadBadBatch(t *testing.T) {
	f := newFixture(t, "json_list", "")
	if _, err := f.upload(t, []byte(`{"not": "a list"}`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("bad batch: got %v, want ErrBadPayload", err)
	}
}

func TestUploadUnknownParserModule(t *testing.T) {
	f := newFixture(t, "no_such_parser", "")
	if _, err := f.upload(t, []byte(testBatch)); !errors.Is(err, keymod.ErrModuleNotFound) {
		t.Fatalf("unknown parser: got %v, want ErrModuleNotFound", err)
	}
}

func TestUploadFilterRejection(t *testing.T) {
	f := newFixture(t, "json_list", "require_fields")
	// require_fields insists on object records; these are plain strings.
	if _, err := f.upload(t, []byte(`["a", "b"]`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("filtered batch: got %v, want ErrBadPayload", err)
	}
}

func TestRequestAssignsAndRepeats(t *testing.T) {
	f := newFixture(t, "json_list", "")
	if _, err := f.upload(t, []byte(testBatch)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	key1, err := f.request(t, "SN001")
	if err != nil {
		t.Fatalf("request SN001: %v", err)
	}
	key2, err := f.request(t, "SN002")
	if err != nil {
		t.Fatalf("request SN002: %v", err)
	}
	if bytes.Equal(key1, key2) {
		t.Error("two devices received the same key")
	}

	// Same serial, same key, pool untouched.
	again, err := f.request(t, "SN001")
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if !bytes.Equal(key1, again) {
		t.Errorf("repeat request returned a different key: %s != %s", again, key1)
	}
	pool, _ := f.store.CountUnassignedDRMKeys(context.Background(), "acme")
	if pool != 1 {
		t.Errorf("pool = %d, want 1", pool)
	}
}

func TestRequestPoolExhaustion(t *testing.T) {
	f := newFixture(t, "json_list", "")
	if _, err := f.upload(t, []byte(`[{"key": "only"}]`)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if _, err := f.request(t, "SN001"); err != nil {
		t.Fatalf("request SN001: %v", err)
	}
	if _, err := f.request(t, "SN002"); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("exhausted pool: got %v, want ErrPoolExhausted", err)
	}
	// The assigned serial still resolves after exhaustion.
	if _, err := f.request(t, "SN001"); err != nil {
		t.Errorf("assigned serial failed after exhaustion: %v", err)
	}
}

func TestRequestRejectsStrangers(t *testing.T) {
	f := newFixture(t, "json_list", "")
	if _, err := f.upload(t, []byte(testBatch)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	// The uploader key cannot request.
	sealed, err := pgp.SealFor(f.uploader, f.serverPub, []byte("SN001"))
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}
	if _, err := f.engine.Request(context.Background(), sealed); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("uploader request: got %v, want ErrAuthentication", err)
	}
}

func TestRequestEmptySerial(t *testing.T) {
	f := newFixture(t, "json_list", "")
	sealed, err := pgp.SealFor(f.requester, f.serverPub, []byte("  \n"))
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}
	if _, err := f.engine.Request(context.Background(), sealed); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("empty serial: got %v, want ErrBadPayload", err)
	}
}

func TestAvailableKeyCount(t *testing.T) {
	f := newFixture(t, "json_list", "")
	ctx := context.Background()

	signedNonce := func(e *openpgp.Entity) []byte {
		signed, err := pgp.ClearsignWith(e, []byte("nonce"))
		if err != nil {
			t.Fatalf("ClearsignWith: %v", err)
		}
		return []byte(signed)
	}

	count, err := f.engine.AvailableKeyCount(ctx, signedNonce(f.requester))
	if err != nil || count != 0 {
		t.Errorf("empty pool count = (%d, %v), want (0, nil)", count, err)
	}

	if _, err := f.upload(t, []byte(testBatch)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	count, err = f.engine.AvailableKeyCount(ctx, signedNonce(f.requester))
	if err != nil || count != 3 {
		t.Errorf("count = (%d, %v), want (3, nil)", count, err)
	}

	if _, err := f.request(t, "SN001"); err != nil {
		t.Fatalf("request: %v", err)
	}
	count, err = f.engine.AvailableKeyCount(ctx, signedNonce(f.requester))
	if err != nil || count != 2 {
		t.Errorf("count after assignment = (%d, %v), want (2, nil)", count, err)
	}

	// Only requester keys may ask.
	if _, err := f.engine.AvailableKeyCount(ctx, signedNonce(f.uploader)); !errors.Is(err, ErrAuthentication) {
		t.Errorf("uploader count query: got %v, want ErrAuthentication", err)
	}
}

func TestScenarioFullLine(t *testing.T) {
	f := newFixture(t, "json_list", "")
	batch := `[
		{"device": "A", "content": "alpha"},
		{"device": "B", "content": "beta"},
		{"device": "C", "content": "gamma"}
	]`
	if _, err := f.upload(t, []byte(batch)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	seen := map[string]string{}
	for _, serial := range []string{"SN001", "SN002", "SN003"} {
		key, err := f.request(t, serial)
		if err != nil {
			t.Fatalf("request %s: %v", serial, err)
		}
		seen[serial] = string(key)
	}
	// All three keys distinct.
	if seen["SN001"] == seen["SN002"] || seen["SN002"] == seen["SN003"] || seen["SN001"] == seen["SN003"] {
		t.Errorf("keys not mutually exclusive: %v", seen)
	}

	if _, err := f.request(t, "SN004"); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("SN004: got %v, want ErrPoolExhausted", err)
	}
	// Prior assignments survive the failed request.
	for serial, key := range seen {
		got, err := f.request(t, serial)
		if err != nil {
			t.Fatalf("re-request %s: %v", serial, err)
		}
		if string(got) != key {
			t.Errorf("%s key changed", serial)
		}
	}
}
