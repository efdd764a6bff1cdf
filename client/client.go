// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package client is the helper library for uploader and requester stations.
// It owns the station's private key and the server's public key, seals
// every outbound payload, and verifies the server's signature on whatever
// comes back. A mock mode runs the full crypto path without touching the
// network, for factory line bring-up before the server is reachable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/google/uuid"

	"github.com/cros-factory/dkps/internal/pgp"
)

// ServerError is a structured error reported by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Options configures a Client.
type Options struct {
	// ServerURL is the base URL of the DKPS server, e.g. http://dkps:5438.
	ServerURL string
	// Key is the station's armored private key.
	Key []byte
	// Passphrase unlocks Key when it is protected. May be nil.
	Passphrase []byte
	// ServerPublicKey is the server's armored public key.
	ServerPublicKey []byte
	// Mock skips the network and returns zero values after running the
	// client-side crypto.
	Mock bool
	// HTTPClient overrides the default http.Client.
	HTTPClient *http.Client
}

// Client talks to a DKPS server on behalf of one station key.
type Client struct {
	url       string
	http      *http.Client
	key       *openpgp.Entity
	serverKey *openpgp.Entity
	mock      bool
}

// New builds a Client from Options.
func New(opts Options) (*Client, error) {
	key, err := pgp.ReadEntity(opts.Key)
	if err != nil {
		return nil, fmt.Errorf("bad station key: %w", err)
	}
	if key.PrivateKey == nil {
		return nil, errors.New("station key must include the private key")
	}
	if key.PrivateKey.Encrypted {
		if opts.Passphrase == nil {
			return nil, errors.New("station key is locked and no passphrase was given")
		}
		if err := unlock(key, opts.Passphrase); err != nil {
			return nil, fmt.Errorf("could not unlock station key: %w", err)
		}
	}
	serverKey, err := pgp.ReadEntity(opts.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("bad server public key: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		url:       strings.TrimRight(opts.ServerURL, "/"),
		http:      httpClient,
		key:       key,
		serverKey: serverKey,
		mock:      opts.Mock,
	}, nil
}

func unlock(e *openpgp.Entity, passphrase []byte) error {
	if err := e.PrivateKey.Decrypt(passphrase); err != nil {
		return err
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
				return err
			}
		}
	}
	return nil
}

// Upload sends a batch of DRM keys to the server and returns the number of
// newly stored keys.
func (c *Client) Upload(ctx context.Context, keys []byte) (int, error) {
	sealed, err := pgp.SealFor(c.key, c.serverKey, keys)
	if err != nil {
		return 0, err
	}
	if c.mock {
		return 0, nil
	}
	var count int
	if err := c.call(ctx, "/rpc/upload", sealed, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Request fetches the DRM key assigned to the given device serial number
// and returns its plaintext record. Calling it again with the same serial
// returns the same key.
func (c *Client) Request(ctx context.Context, serial string) ([]byte, error) {
	sealed, err := pgp.SealFor(c.key, c.serverKey, []byte(serial))
	if err != nil {
		return nil, err
	}
	if c.mock {
		return []byte(`{"serial": "` + serial + `", "mock": true}`), nil
	}
	var armored string
	if err := c.call(ctx, "/rpc/request", sealed, &armored); err != nil {
		return nil, err
	}
	// The response must decrypt with our key and carry the server's
	// signature; anything else is a man in the middle or a bad server.
	plaintext, signer, err := pgp.OpenWith(openpgp.EntityList{c.key, c.serverKey}, armored)
	if err != nil {
		return nil, fmt.Errorf("response verification failed: %w", err)
	}
	if signer != pgp.Fingerprint(c.serverKey) {
		return nil, fmt.Errorf("response signed by %s, not the server", signer)
	}
	return plaintext, nil
}

// AvailableKeyCount asks how many unassigned keys remain for this
// station's project. The query is authenticated by clearsigning a random
// nonce.
func (c *Client) AvailableKeyCount(ctx context.Context) (int, error) {
	signed, err := pgp.ClearsignWith(c.key, []byte(uuid.NewString()))
	if err != nil {
		return 0, err
	}
	if c.mock {
		return 0, nil
	}
	var count int
	if err := c.call(ctx, "/rpc/available", signed, &count); err != nil {
		return 0, err
	}
	return count, nil
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, path, payload string, result any) error {
	body, err := json.Marshal(map[string]string{"payload": payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("bad response from %s (HTTP %d): %w", path, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return &ServerError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("bad result from %s: %w", path, err)
		}
	}
	return nil
}
