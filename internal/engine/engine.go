// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package engine implements the provisioning state machine: uploaders feed
// key batches into a project's pool, requesters claim exactly one key per
// device serial number. Authentication is implicit in the crypto envelope;
// the signer's fingerprint selects the project and the role.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cros-factory/dkps/internal/db"
	"github.com/cros-factory/dkps/internal/keymod"
	"github.com/cros-factory/dkps/internal/logging"
	"github.com/cros-factory/dkps/internal/pgp"
	"github.com/cros-factory/dkps/internal/registry"
)

var (
	// ErrAuthentication is returned when an envelope cannot be verified or
	// its signer is not bound to any project in the expected role.
	ErrAuthentication = errors.New("authentication failed")
	// ErrPoolExhausted is returned when a request arrives for a serial
	// number with no prior assignment and no unassigned keys remain.
	ErrPoolExhausted = errors.New("no unassigned keys left in the pool")
	// ErrBadPayload is returned when an authenticated payload cannot be
	// parsed or filtered.
	ErrBadPayload = errors.New("malformed payload")
)

// Engine executes uploads and requests against the store.
type Engine struct {
	store    db.Store
	keyring  *pgp.Keyring
	registry *registry.Registry
}

// New creates an Engine.
func New(store db.Store, keyring *pgp.Keyring, reg *registry.Registry) *Engine {
	return &Engine{store: store, keyring: keyring, registry: reg}
}

// Upload ingests an armored batch of DRM keys. The envelope's signer must
// be a registered uploader; the project's parser and filter modules shape
// the batch. Keys already in the pool are absorbed silently. Returns the
// number of newly stored keys.
func (e *Engine) Upload(ctx context.Context, armored string) (int, error) {
	payload, signer, err := e.keyring.Open(armored)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	project, err := e.registry.ByUploaderFingerprint(ctx, signer)
	if err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) {
			return 0, fmt.Errorf("%w: no project for uploader %s", ErrAuthentication, signer)
		}
		return 0, err
	}

	parser, err := keymod.LookupParser(project.ParserModule)
	if err != nil {
		return 0, err
	}
	records, err := parser.Parse(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if project.FilterModule != "" {
		filter, err := keymod.LookupFilter(project.FilterModule)
		if err != nil {
			return 0, err
		}
		if records, err = filter.Filter(records); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}

	stored := 0
	for _, rec := range records {
		hash := sha256.Sum256(rec)
		sealed, err := e.keyring.SealForServer(rec)
		if err != nil {
			return stored, err
		}
		inserted, err := e.store.InsertDRMKey(ctx, project.Name, hex.EncodeToString(hash[:]), sealed)
		if err != nil {
			return stored, err
		}
		if inserted {
			stored++
		}
	}

	logging.Infof("upload: project=%s received=%d stored=%d", project.Name, len(records), stored)
	e.audit(ctx, "upload keys", fmt.Sprintf("project=%s received=%d stored=%d",
		project.Name, len(records), stored))
	return stored, nil
}

// Request assigns a DRM key to a device. The envelope carries the device
// serial number and must be signed by a registered requester. The same
// serial always receives the same key; a serial with no assignment claims
// the lowest-id unassigned key. The response is sealed for the requester.
func (e *Engine) Request(ctx context.Context, armored string) (string, error) {
	payload, signer, err := e.keyring.Open(armored)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	project, err := e.registry.ByRequesterFingerprint(ctx, signer)
	if err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) {
			return "", fmt.Errorf("%w: no project for requester %s", ErrAuthentication, signer)
		}
		return "", err
	}

	serial := strings.TrimSpace(string(payload))
	if serial == "" {
		return "", fmt.Errorf("%w: empty device serial number", ErrBadPayload)
	}

	key, err := e.store.ClaimDRMKey(ctx, project.Name, serial)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("%w: project %s", ErrPoolExhausted, project.Name)
		}
		return "", err
	}

	plaintext, _, err := e.keyring.Open(key.EncryptedKey)
	if err != nil {
		return "", fmt.Errorf("stored key %d could not be opened: %w", key.ID, err)
	}
	sealed, err := e.keyring.Seal(plaintext, project.RequesterKeyFingerprint)
	if err != nil {
		return "", err
	}

	logging.Infof("request: project=%s serial=%s key_id=%d", project.Name, serial, key.ID)
	e.audit(ctx, "request key", fmt.Sprintf("project=%s serial=%s key_id=%d",
		project.Name, serial, key.ID))
	return sealed, nil
}

// AvailableKeyCount reports how many unassigned keys remain in the pool of
// the project whose requester signed the given cleartext nonce.
func (e *Engine) AvailableKeyCount(ctx context.Context, signedNonce []byte) (int, error) {
	signer, err := e.keyring.VerifyNonce(signedNonce)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	project, err := e.registry.ByRequesterFingerprint(ctx, signer)
	if err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) {
			return 0, fmt.Errorf("%w: no project for requester %s", ErrAuthentication, signer)
		}
		return 0, err
	}
	return e.store.CountUnassignedDRMKeys(ctx, project.Name)
}

func (e *Engine) audit(ctx context.Context, action, details string) {
	if err := e.store.LogAction(ctx, action, details); err != nil {
		logging.Warnf("audit log write failed: %v", err)
	}
}
