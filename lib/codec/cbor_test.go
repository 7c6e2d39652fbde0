// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/egret/lib/ref"
)

type roomRecord struct {
	RoomID    ref.RoomID     `cbor:"room_id"`
	Name      string         `cbor:"name,omitempty"`
	Encrypted bool           `cbor:"encrypted,omitempty"`
	Content   map[string]any `cbor:"content,omitempty"`
}

func TestIdentifiersEncodeAsText(t *testing.T) {
	original := roomRecord{
		RoomID:    ref.MustParseRoomID("!abc:example.org"),
		Name:      "ops",
		Encrypted: true,
		Content:   map[string]any{"body": "hello"},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Contains(data, []byte("!abc:example.org")) {
		t.Errorf("encoded form does not contain the room ID as text: %x", data)
	}

	var decoded roomRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.RoomID != original.RoomID {
		t.Errorf("RoomID = %v, want %v", decoded.RoomID, original.RoomID)
	}
	if decoded.Name != "ops" || !decoded.Encrypted {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Content["body"] != "hello" {
		t.Errorf("Content[body] = %v, want hello", decoded.Content["body"])
	}
}

func TestDeterministicEncoding(t *testing.T) {
	first := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}
	second := map[string]int{"mid": 3, "alpha": 2, "zeta": 1}

	a, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("equal maps encoded differently: %x vs %x", a, b)
	}
}

func TestNestedContentDecodesAsStringMaps(t *testing.T) {
	data, err := Marshal(map[string]any{
		"m.relates_to": map[string]any{
			"m.in_reply_to": map[string]any{"event_id": "$parent"},
		},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	relates, ok := decoded["m.relates_to"].(map[string]any)
	if !ok {
		t.Fatalf("m.relates_to decoded as %T, want map[string]any", decoded["m.relates_to"])
	}
	if _, ok := relates["m.in_reply_to"].(map[string]any); !ok {
		t.Fatalf("m.in_reply_to decoded as %T, want map[string]any", relates["m.in_reply_to"])
	}
	if _, err := json.Marshal(decoded); err != nil {
		t.Errorf("decoded content is not JSON-encodable: %v", err)
	}
}
