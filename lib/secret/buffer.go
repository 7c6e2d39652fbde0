// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps the bot's sensitive material out of the Go
// heap: the account password, the recovery secret, access and refresh
// tokens, and the unlocked key-backup private key.
//
// A [Buffer] lives in an anonymous mmap region that is mlocked (never
// swapped) and marked MADV_DONTDUMP (absent from core dumps). Close
// zeroes and releases it; reads after Close panic.
package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is one protected secret. Do not copy a Buffer.
type Buffer struct {
	mu     sync.Mutex
	region []byte // nil once closed
}

// New returns a zero-filled Buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}
	return &Buffer{region: region}, nil
}

// NewFromBytes moves source into a new Buffer. source is zeroed
// whether or not the allocation succeeds.
func NewFromBytes(source []byte) (*Buffer, error) {
	defer Zero(source)
	if len(source) == 0 {
		return nil, errors.New("secret: empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	return buffer, nil
}

// NewFromString copies value into a new Buffer. The string itself
// cannot be wiped; callers should drop their reference to it.
func NewFromString(value string) (*Buffer, error) {
	return NewFromBytes([]byte(value))
}

// Bytes returns the secret in place. The slice aliases the locked
// region and must not outlive the Buffer.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open()
}

// String returns a heap copy, for request bodies and headers.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.open())
}

// Len is the secret's length, 0 after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

// Equal compares the secret with other in constant time.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return subtle.ConstantTimeCompare(b.open(), other) == 1
}

// Close wipes and releases the region. Repeated calls return nil.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.region == nil {
		return nil
	}
	region := b.region
	b.region = nil
	Zero(region)

	var errs []error
	if err := unix.Munlock(region); err != nil {
		errs = append(errs, fmt.Errorf("secret: munlock: %w", err))
	}
	if err := unix.Munmap(region); err != nil {
		errs = append(errs, fmt.Errorf("secret: munmap: %w", err))
	}
	return errors.Join(errs...)
}

// open returns the region or panics if closed. Callers hold mu.
func (b *Buffer) open() []byte {
	if b.region == nil {
		panic("secret: read from closed buffer")
	}
	return b.region
}

// Zero wipes a heap copy of secret material.
func Zero(data []byte) {
	clear(data)
}
