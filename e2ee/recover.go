// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/crypto/utils"
	"maunium.net/go/mautrix/event"

	"github.com/bureau-foundation/egret/lib/secret"
)

// ErrRecovery is wrapped by every Recover failure that leaves the
// device unable to read encrypted history.
var ErrRecovery = errors.New("e2ee: recovery failed")

// Recovery summarizes what Recover restored.
type Recovery struct {
	// KeyID names the secret storage key that was unlocked.
	KeyID string

	// BackupVersion is the key backup the room keys were restored
	// from, or "" when the account keeps no backup.
	BackupVersion string
}

// Recover unlocks secret storage with recoverySecret (a recovery key
// or, when the storage key has one, its passphrase), imports the
// cross-signing keys and signs this device with them, then restores
// every room key held in the server-side backup. recoverySecret is
// borrowed, not closed.
func (m *Machine) Recover(ctx context.Context, recoverySecret *secret.Buffer) (Recovery, error) {
	if recoverySecret == nil || recoverySecret.Len() == 0 {
		return Recovery{}, fmt.Errorf("%w: recovery secret is empty", ErrRecovery)
	}
	machine := m.helper.Machine()

	keyID, keyData, err := machine.SSSS.GetDefaultKeyData(ctx)
	if err != nil {
		return Recovery{}, fmt.Errorf("%w: reading default secret storage key (is secure backup set up?): %w", ErrRecovery, err)
	}
	key, err := unlockKey(keyID, keyData, recoverySecret.String())
	if err != nil {
		return Recovery{}, fmt.Errorf("%w: %w", ErrRecovery, err)
	}
	result := Recovery{KeyID: keyID}

	if err := machine.FetchCrossSigningKeysFromSSSS(ctx, key); err != nil {
		return result, fmt.Errorf("%w: fetching cross-signing keys: %w", ErrRecovery, err)
	}
	// Signing only affects how other devices display this one.
	if err := machine.SignOwnDevice(ctx, machine.OwnIdentity()); err != nil {
		m.logger.Warn("signing own device failed", "error", err)
	}
	if err := machine.SignOwnMasterKey(ctx); err != nil {
		m.logger.Warn("signing master key failed", "error", err)
	}

	backupSecret, err := machine.SSSS.GetDecryptedAccountData(ctx, event.AccountDataMegolmBackupKey, key)
	if errors.Is(err, mautrix.MNotFound) {
		m.logger.Warn("secret storage holds no key backup; only new messages will decrypt")
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("%w: decrypting key backup secret: %w", ErrRecovery, err)
	}
	backupKey, err := backup.MegolmBackupKeyFromBytes(backupSecret)
	if err != nil {
		return result, fmt.Errorf("%w: parsing key backup secret: %w", ErrRecovery, err)
	}
	version, err := machine.DownloadAndStoreLatestKeyBackup(ctx, backupKey)
	if err != nil {
		return result, fmt.Errorf("%w: restoring key backup: %w", ErrRecovery, err)
	}
	result.BackupVersion = string(version)
	return result, nil
}

// unlockKey verifies value against the storage key description. A
// value that does not decode as a recovery key is tried as the key's
// passphrase.
func unlockKey(keyID string, keyData *ssss.KeyMetadata, value string) (*ssss.Key, error) {
	if !isRecoveryKey(value) && keyData.Passphrase != nil {
		key, err := keyData.VerifyPassphrase(keyID, value)
		if err != nil {
			return nil, fmt.Errorf("passphrase does not unlock secret storage key %s: %w", keyID, err)
		}
		return key, nil
	}
	key, err := keyData.VerifyRecoveryKey(keyID, value)
	if err != nil {
		return nil, fmt.Errorf("recovery key does not unlock secret storage key %s: %w", keyID, err)
	}
	return key, nil
}

// isRecoveryKey reports whether value is a well-formed base58 recovery
// key (prefix and parity included). Spaces are ignored.
func isRecoveryKey(value string) bool {
	return utils.DecodeBase58RecoveryKey(value) != nil
}
