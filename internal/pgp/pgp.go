// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package pgp is the crypto gateway for DKPS. Every message entering or
// leaving the server travels inside a sign-then-encrypt OpenPGP envelope:
// signed by the sender's private key and encrypted for the recipient's
// public key. The package wraps ProtonMail's go-crypto OpenPGP
// implementation and adds a small file-backed keyring so the server can
// persist its own keypair and the per-project uploader/requester public
// keys across restarts.
//
// Plaintext key material is never logged here and never leaves this package
// except as the return value of Open.
package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// ErrUnverified is returned when an envelope decrypts but its signature
// cannot be verified against the loaded keyring.
var ErrUnverified = errors.New("signature verification failed")

// ErrNoServerKey is returned when an operation needs the server keypair but
// the keyring has not been initialized.
var ErrNoServerKey = errors.New("server key not initialized")

// ErrAlreadyInitialized is returned when Init* is called on a keyring that
// already holds a server key.
var ErrAlreadyInitialized = errors.New("keyring already initialized")

const (
	serverKeyFile    = "server.asc"
	publicKeySuffix  = ".asc"
	messageBlockType = "PGP MESSAGE"
)

// Fingerprint renders an entity's primary key fingerprint in the canonical
// upper-case hex form used throughout the key store.
func Fingerprint(e *openpgp.Entity) string {
	return fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}

// ReadEntity parses a single armored OpenPGP key (public or private).
func ReadEntity(armored []byte) (*openpgp.Entity, error) {
	el, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("failed to read armored key: %w", err)
	}
	if len(el) == 0 {
		return nil, errors.New("no key found in armored input")
	}
	return el[0], nil
}

// SealFor signs plaintext with signer and encrypts it for recipient,
// returning the armored message.
func SealFor(signer, recipient *openpgp.Entity, plaintext []byte) (string, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageBlockType, nil)
	if err != nil {
		return "", err
	}
	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{recipient}, signer, nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := pw.Write(plaintext); err != nil {
		return "", err
	}
	if err := pw.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// OpenWith decrypts an armored message with the private key material in
// keyring and verifies the embedded signature against the same keyring. It
// returns the plaintext and the signer's primary key fingerprint.
func OpenWith(keyring openpgp.EntityList, armored string) ([]byte, string, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return nil, "", fmt.Errorf("not an armored message: %w", err)
	}
	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read message: %w", err)
	}
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, "", err
	}
	// The signature trailer is checked only once the body has been drained.
	if !md.IsSigned || md.SignatureError != nil || md.SignedBy == nil {
		return nil, "", ErrUnverified
	}
	return plaintext, Fingerprint(md.SignedBy.Entity), nil
}

// ClearsignWith wraps content in a cleartext signature by signer. Used for
// payload-free authenticated calls such as the available-key-count query.
func ClearsignWith(signer *openpgp.Entity, content []byte) (string, error) {
	if signer.PrivateKey == nil {
		return "", errors.New("signer has no private key")
	}
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, signer.PrivateKey, nil)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(content); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// VerifyClearsigned checks a cleartext-signed message against keyring and
// returns the signed content and the signer's fingerprint.
func VerifyClearsigned(keyring openpgp.EntityList, signed []byte) ([]byte, string, error) {
	block, _ := clearsign.Decode(signed)
	if block == nil {
		return nil, "", errors.New("no clearsigned message found")
	}
	signer, err := openpgp.CheckDetachedSignature(
		keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return nil, "", ErrUnverified
	}
	return block.Plaintext, Fingerprint(signer), nil
}

// Keyring is the server's persistent key storage: one private server key
// plus the imported uploader/requester public keys, all as armored files in
// a single directory (one file per key, named by fingerprint).
type Keyring struct {
	dir    string
	server *openpgp.Entity
	pubs   openpgp.EntityList
}

// Load opens the keyring directory, creating it when missing, and reads any
// existing key material.
func Load(dir string) (*Keyring, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("could not create keyring directory %s: %w", dir, err)
	}
	k := &Keyring{dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), publicKeySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		entity, err := ReadEntity(data)
		if err != nil {
			return nil, fmt.Errorf("corrupt key file %s: %w", e.Name(), err)
		}
		if e.Name() == serverKeyFile {
			k.server = entity
		} else {
			k.pubs = append(k.pubs, entity)
		}
	}
	return k, nil
}

// Initialized reports whether the keyring holds a server keypair.
func (k *Keyring) Initialized() bool {
	return k.server != nil
}

// InitGenerate creates a fresh Ed25519 server keypair and persists it.
func (k *Keyring) InitGenerate(name, comment, email string) (string, error) {
	if k.server != nil {
		return "", ErrAlreadyInitialized
	}
	cfg := &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA}
	entity, err := openpgp.NewEntity(name, comment, email, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to generate server key: %w", err)
	}
	if err := k.writeServerKey(entity); err != nil {
		return "", err
	}
	k.server = entity
	return Fingerprint(entity), nil
}

// InitImport installs an existing armored private key as the server key.
// The key must not be passphrase protected.
func (k *Keyring) InitImport(armored []byte) (string, error) {
	if k.server != nil {
		return "", ErrAlreadyInitialized
	}
	entity, err := ReadEntity(armored)
	if err != nil {
		return "", err
	}
	if entity.PrivateKey == nil {
		return "", errors.New("server key must include the private key")
	}
	if entity.PrivateKey.Encrypted {
		return "", errors.New("server key must not have a passphrase")
	}
	if err := k.writeServerKey(entity); err != nil {
		return "", err
	}
	k.server = entity
	return Fingerprint(entity), nil
}

func (k *Keyring) writeServerKey(entity *openpgp.Entity) error {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		return err
	}
	if err := entity.SerializePrivate(aw, nil); err != nil {
		return err
	}
	if err := aw.Close(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(k.dir, serverKeyFile), buf.Bytes(), 0600)
}

// ServerFingerprint returns the fingerprint of the server keypair.
func (k *Keyring) ServerFingerprint() (string, error) {
	if k.server == nil {
		return "", ErrNoServerKey
	}
	return Fingerprint(k.server), nil
}

// ExportServerPublicKey returns the armored public half of the server key,
// suitable for distribution to uploaders and requesters.
func (k *Keyring) ExportServerPublicKey() (string, error) {
	if k.server == nil {
		return "", ErrNoServerKey
	}
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := k.server.Serialize(aw); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ImportPublicKey installs an armored public key and reports its
// fingerprint. alreadyExists is true when the fingerprint was present
// before the call; the stored key is left untouched in that case.
func (k *Keyring) ImportPublicKey(armored []byte) (fingerprint string, alreadyExists bool, err error) {
	entity, err := ReadEntity(armored)
	if err != nil {
		return "", false, err
	}
	fingerprint = Fingerprint(entity)
	if k.lookup(fingerprint) != nil {
		return fingerprint, true, nil
	}
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", false, err
	}
	if err := entity.Serialize(aw); err != nil {
		return "", false, err
	}
	if err := aw.Close(); err != nil {
		return "", false, err
	}
	if err := os.WriteFile(k.pubPath(fingerprint), buf.Bytes(), 0600); err != nil {
		return "", false, err
	}
	k.pubs = append(k.pubs, entity)
	return fingerprint, false, nil
}

// RemoveKey deletes an imported public key. Removing a fingerprint that is
// not present is not an error.
func (k *Keyring) RemoveKey(fingerprint string) error {
	if err := os.Remove(k.pubPath(fingerprint)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for i, e := range k.pubs {
		if Fingerprint(e) == fingerprint {
			k.pubs = append(k.pubs[:i], k.pubs[i+1:]...)
			break
		}
	}
	return nil
}

func (k *Keyring) pubPath(fingerprint string) string {
	return filepath.Join(k.dir, fingerprint+publicKeySuffix)
}

func (k *Keyring) lookup(fingerprint string) *openpgp.Entity {
	for _, e := range k.pubs {
		if Fingerprint(e) == fingerprint {
			return e
		}
	}
	return nil
}

// all returns the verification keyring: every imported public key plus the
// server's own key.
func (k *Keyring) all() openpgp.EntityList {
	if k.server == nil {
		return k.pubs
	}
	return append(openpgp.EntityList{k.server}, k.pubs...)
}

// Seal signs plaintext with the server key and encrypts it for the key
// identified by recipientFingerprint.
func (k *Keyring) Seal(plaintext []byte, recipientFingerprint string) (string, error) {
	if k.server == nil {
		return "", ErrNoServerKey
	}
	recipient := k.lookup(recipientFingerprint)
	if recipient == nil {
		if fp, err := k.ServerFingerprint(); err == nil && fp == recipientFingerprint {
			recipient = k.server
		} else {
			return "", fmt.Errorf("no key for recipient fingerprint %s", recipientFingerprint)
		}
	}
	return SealFor(k.server, recipient, plaintext)
}

// SealForServer encrypts plaintext for the server's own key, signed by the
// server key. Used for the at-rest ciphertext column of the key store.
func (k *Keyring) SealForServer(plaintext []byte) (string, error) {
	if k.server == nil {
		return "", ErrNoServerKey
	}
	return SealFor(k.server, k.server, plaintext)
}

// Open decrypts an armored envelope with the server's private key and
// verifies the embedded signature, returning the plaintext and the signer's
// fingerprint. ErrUnverified is returned when either step fails.
func (k *Keyring) Open(armored string) ([]byte, string, error) {
	if k.server == nil {
		return nil, "", ErrNoServerKey
	}
	plaintext, signer, err := OpenWith(k.all(), armored)
	if err != nil && !errors.Is(err, ErrUnverified) {
		// Decryption failures are indistinguishable from bad signatures to
		// the caller: both mean the envelope cannot be trusted.
		return nil, "", fmt.Errorf("%w: %v", ErrUnverified, err)
	}
	return plaintext, signer, err
}

// VerifyNonce checks a cleartext-signed blob against the imported public
// keys and returns the signer's fingerprint.
func (k *Keyring) VerifyNonce(signed []byte) (string, error) {
	_, signer, err := VerifyClearsigned(k.pubs, signed)
	return signer, err
}

// Destroy removes the keyring directory and all key material in it.
func (k *Keyring) Destroy() error {
	k.server = nil
	k.pubs = nil
	return os.RemoveAll(k.dir)
}
