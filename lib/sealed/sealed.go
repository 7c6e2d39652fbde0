// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption at rest for small local
// documents such as the session file. It wraps filippo.io/age with
// ASCII armor so sealed files stay text and are recognizable by their
// header.
//
// Private keys and decrypted plaintext are returned as *secret.Buffer
// values, which live in mmap memory outside the Go heap (locked against
// swap, excluded from core dumps, zeroed on close).
package sealed

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/egret/lib/secret"
)

// Keypair holds an age X25519 keypair. The caller must call Close when
// the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... encoding. Never log it.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... recipient string.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// LoadKeypair reads an identity file in the format written by
// age-keygen (and by [LoadOrCreateKeypair]): comment lines starting
// with '#', then one AGE-SECRET-KEY-1 line.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading identity file: %w", err)
	}
	defer secret.Zero(data)

	var keyLine []byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		keyLine = line
		break
	}
	if keyLine == nil {
		return nil, fmt.Errorf("sealed: identity file %s contains no key", path)
	}

	identity, err := age.ParseX25519Identity(string(keyLine))
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity file %s: %w", path, err)
	}
	privateKey, err := secret.NewFromBytes(bytes.Clone(keyLine))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// LoadOrCreateKeypair loads the identity file at path, generating and
// writing a new one (mode 0600) when it does not exist.
func LoadOrCreateKeypair(path string) (*Keypair, error) {
	keypair, err := LoadKeypair(path)
	if err == nil {
		return keypair, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	keypair, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		keypair.Close()
		return nil, fmt.Errorf("sealed: creating identity directory: %w", err)
	}

	var contents strings.Builder
	fmt.Fprintf(&contents, "# created: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&contents, "# public key: %s\n", keypair.PublicKey)
	contents.WriteString(keypair.PrivateKey.String())
	contents.WriteString("\n")

	// O_EXCL so a concurrently created identity is never clobbered.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		keypair.Close()
		return nil, fmt.Errorf("sealed: creating identity file: %w", err)
	}
	if _, err := io.WriteString(file, contents.String()); err != nil {
		file.Close()
		keypair.Close()
		return nil, fmt.Errorf("sealed: writing identity file: %w", err)
	}
	if err := file.Close(); err != nil {
		keypair.Close()
		return nil, fmt.Errorf("sealed: writing identity file: %w", err)
	}
	return keypair, nil
}

// IsSealed reports whether data begins with the age armor header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte(armor.Header))
}

// Seal encrypts plaintext to one or more age recipients and returns
// the armored ciphertext.
func Seal(plaintext []byte, recipientKeys ...string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("sealed: at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	armorWriter := armor.NewWriter(&ciphertext)
	writer, err := age.Encrypt(armorWriter, recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing encryption: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing armor: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts armored ciphertext produced by [Seal]. The private key
// is borrowed and not closed. The caller must Close the returned
// buffer.
func Open(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing private key: %w", err)
	}

	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: decrypted document is empty")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}
