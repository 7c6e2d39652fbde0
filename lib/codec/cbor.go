// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR modes for the bot's persisted files: the
// session snapshot and the sync state. Output uses Core Deterministic
// Encoding (RFC 8949 §4.2), so an unchanged state rewrites identical
// bytes.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	options := cbor.CoreDetEncOptions()
	// ref identifiers hide their value in an unexported field; encode
	// them through MarshalText as CBOR text strings.
	options.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	if encMode, err = options.EncMode(); err != nil {
		panic("codec: CBOR encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Cached event content is re-encoded as JSON when replies are
		// built, and encoding/json rejects map[any]any.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v, ignoring unknown fields.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
