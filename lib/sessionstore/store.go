// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionstore persists the credential snapshot that lets the
// bot resume its Matrix session across restarts without logging in
// again.
//
// The file is a single JSON document. When a key file is configured,
// the document is sealed with age (see lib/sealed) and stored armored.
// Every call goes to disk; nothing is cached.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bureau-foundation/egret/lib/atomicfile"
	"github.com/bureau-foundation/egret/lib/sealed"
	"github.com/bureau-foundation/egret/lib/secret"
)

var (
	// ErrNotFound is returned by Load when no session file exists. It
	// selects the fresh-login path and is not a fault.
	ErrNotFound = errors.New("sessionstore: no session file")

	// ErrCorrupt is wrapped by Load errors for files that exist but do
	// not hold a usable snapshot.
	ErrCorrupt = errors.New("sessionstore: session file is corrupt")
)

// Snapshot is the minimal record needed to resume a session. It never
// holds the password or the recovery secret.
type Snapshot struct {
	// HomeserverURL may be empty in files written by hand; the
	// configured homeserver is used then.
	HomeserverURL string `json:"homeserver_url,omitempty"`
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token,omitempty"`
}

// Validate reports whether the snapshot carries enough to resume.
func (s Snapshot) Validate() error {
	if s.UserID == "" {
		return errors.New("missing user_id")
	}
	if s.AccessToken == "" {
		return errors.New("missing access_token")
	}
	return nil
}

// Store reads and writes one session file.
type Store struct {
	path    string
	keypair *sealed.Keypair
}

// New returns a Store for the session file at path. If keyFile is
// non-empty, the snapshot is sealed to the age identity in that file,
// which is generated on first use.
func New(path, keyFile string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sessionstore: path is required")
	}
	store := &Store{path: path}
	if keyFile != "" {
		keypair, err := sealed.LoadOrCreateKeypair(keyFile)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: %w", err)
		}
		store.keypair = keypair
	}
	return store, nil
}

// Path returns the session file path.
func (s *Store) Path() string { return s.path }

// Sealed reports whether the store encrypts its file.
func (s *Store) Sealed() bool { return s.keypair != nil }

// Close releases the sealing key, if any.
func (s *Store) Close() error {
	if s.keypair != nil {
		return s.keypair.Close()
	}
	return nil
}

// Load reads the snapshot. It returns ErrNotFound if the file does not
// exist, and an error wrapping ErrCorrupt if the file cannot be
// decrypted, decoded, or lacks required fields.
func (s *Store) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("sessionstore: reading %s: %w", s.path, err)
	}
	defer secret.Zero(data)

	document := data
	if sealed.IsSealed(data) {
		if s.keypair == nil {
			return Snapshot{}, fmt.Errorf("%w: %s is sealed but no key file is configured", ErrCorrupt, s.path)
		}
		plaintext, err := sealed.Open(data, s.keypair.PrivateKey)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
		}
		defer plaintext.Close()
		document = plaintext.Bytes()
	}

	var snapshot Snapshot
	if err := json.Unmarshal(document, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if err := snapshot.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return snapshot, nil
}

// Save atomically replaces the session file with snapshot. The file is
// created with mode 0600 and its directory with 0700.
func (s *Store) Save(snapshot Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return fmt.Errorf("sessionstore: refusing to save: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshaling snapshot: %w", err)
	}
	defer secret.Zero(data)

	if s.keypair != nil {
		sealedData, err := sealed.Seal(data, s.keypair.PublicKey)
		if err != nil {
			return fmt.Errorf("sessionstore: %w", err)
		}
		data = sealedData
	}

	if err := atomicfile.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("sessionstore: %w", err)
	}
	return nil
}

// Remove deletes the session file. Removing a missing file succeeds.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sessionstore: removing %s: %w", s.path, err)
	}
	return nil
}
