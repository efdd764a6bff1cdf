// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

package model

// Project identifies a manufacturing program. The uploader (OEM) and
// requester (ODM) are known to the server only by the fingerprints of their
// public keys; each fingerprint may be bound to at most one project.
type Project struct {
	Name                    string
	UploaderKeyFingerprint  string
	RequesterKeyFingerprint string
	ParserModule            string
	FilterModule            string
}

// DRMKey is one escrowed secret. EncryptedKey holds the key ciphertext at
// rest, sealed for the server's own key. DeviceSerialNumber is empty until a
// requester claims the key for a device; the binding is permanent.
type DRMKey struct {
	ID                 int
	ProjectName        string
	KeyHash            string
	EncryptedKey       string
	DeviceSerialNumber string
	CreatedAt          string
}

// Assigned reports whether the key has been bound to a device.
func (k DRMKey) Assigned() bool {
	return k.DeviceSerialNumber != ""
}

// Setting is one row of the server's flat key-value configuration store.
type Setting struct {
	Key   string
	Value string
}

// ServerKeyFingerprintSetting is the settings key under which the server
// records its own keypair's fingerprint at initialization time.
const ServerKeyFingerprintSetting = "server_key_fingerprint"

// AuditLogEntry records one administrative or provisioning event. Details
// never contain key material.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Action    string
	Details   string
}
