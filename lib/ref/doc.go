// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifiers:
// user IDs, room IDs, event IDs, device IDs, and server names.
//
// Every identifier is a validated value type constructed at the
// boundary (configuration, /sync responses, API responses) by a Parse
// function. Once constructed, a ref is immutable and its String method
// returns the canonical Matrix form.
//
// JSON and CBOR marshaling use the canonical form via
// encoding.TextMarshaler, so refs can be embedded directly in wire
// structs and persisted state. Unmarshaling validates: a malformed
// identifier in a server response fails decoding rather than
// propagating an invalid value.
package ref
