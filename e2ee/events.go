// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/messaging"
)

// sessionWait bounds how long Decrypt waits for a room key that has
// not arrived yet. It runs on the room's worker, never on the sync
// loop.
const sessionWait = 5 * time.Second

// Decrypt returns the plaintext event inside an m.room.encrypted event.
// Identity fields are kept from the encrypted event; Type and Content
// come from the plaintext. A rich-reply relation carried outside the
// ciphertext is copied in.
func (m *Machine) Decrypt(ctx context.Context, encrypted messaging.Event) (messaging.Event, error) {
	evt, err := toProtocolEvent(encrypted)
	if err != nil {
		return messaging.Event{}, err
	}
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return messaging.Event{}, fmt.Errorf("e2ee: %s is not an encrypted event", encrypted.EventID)
	}

	decrypted, err := m.helper.Decrypt(ctx, evt)
	if err != nil && m.helper.Machine().WaitForSession(ctx, evt.RoomID, content.SenderKey, content.SessionID, sessionWait) {
		decrypted, err = m.helper.Decrypt(ctx, evt)
	}
	if err != nil {
		return messaging.Event{}, fmt.Errorf("e2ee: decrypting %s (session %s): %w", encrypted.EventID, content.SessionID, err)
	}
	return fromDecrypted(encrypted, decrypted)
}

// Encrypt seals content for roomID and returns the m.room.encrypted
// content to send in its place. The room's member list is fetched the
// first time a room is encrypted for, so the group session is shared
// with every joined device.
func (m *Machine) Encrypt(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (json.RawMessage, error) {
	protocolRoom := id.RoomID(roomID.String())
	if err := m.ensureMembers(ctx, protocolRoom); err != nil {
		return nil, err
	}
	encrypted, err := m.helper.Encrypt(ctx, protocolRoom, event.Type{Type: eventType.String(), Class: event.MessageEventType}, content)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encrypting %s for %s: %w", eventType, roomID, err)
	}
	encoded, err := json.Marshal(encrypted)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding encrypted content: %w", err)
	}
	return encoded, nil
}

func (m *Machine) ensureMembers(ctx context.Context, roomID id.RoomID) error {
	m.mu.Lock()
	loaded := m.membersLoaded[roomID]
	m.mu.Unlock()
	if loaded {
		return nil
	}
	// Members writes the returned member events to the state store.
	if _, err := m.client.Members(ctx, roomID); err != nil {
		return fmt.Errorf("e2ee: fetching members of %s: %w", roomID, err)
	}
	m.mu.Lock()
	m.membersLoaded[roomID] = true
	m.mu.Unlock()
	return nil
}

// DecryptAttachment decrypts data, the downloaded ciphertext of file,
// in place after checking its SHA-256 hash.
func (m *Machine) DecryptAttachment(file messaging.EncryptedFile, data []byte) error {
	return DecryptAttachment(file, data)
}

// DecryptAttachment is Machine.DecryptAttachment without a machine:
// attachment keys travel in the event, so no crypto state is needed.
func DecryptAttachment(file messaging.EncryptedFile, data []byte) error {
	encoded, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("e2ee: encoding file key: %w", err)
	}
	var protocolFile attachment.EncryptedFile
	if err := json.Unmarshal(encoded, &protocolFile); err != nil {
		return fmt.Errorf("e2ee: decoding file key: %w", err)
	}
	if err := protocolFile.DecryptInPlace(data); err != nil {
		return fmt.Errorf("e2ee: decrypting attachment %s: %w", file.URL, err)
	}
	return nil
}

// toProtocolEvent converts through JSON, the one representation both
// event types agree on, and parses the content.
func toProtocolEvent(source messaging.Event) (*event.Event, error) {
	encoded, err := json.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding %s: %w", source.EventID, err)
	}
	var evt event.Event
	if err := json.Unmarshal(encoded, &evt); err != nil {
		return nil, fmt.Errorf("e2ee: decoding %s: %w", source.EventID, err)
	}
	evt.Type.Class = event.MessageEventType
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return nil, fmt.Errorf("e2ee: parsing content of %s: %w", source.EventID, err)
	}
	return &evt, nil
}

func fromDecrypted(original messaging.Event, decrypted *event.Event) (messaging.Event, error) {
	raw := []byte(decrypted.Content.VeryRaw)
	if len(raw) == 0 {
		encoded, err := json.Marshal(&decrypted.Content)
		if err != nil {
			return messaging.Event{}, fmt.Errorf("e2ee: encoding plaintext of %s: %w", original.EventID, err)
		}
		raw = encoded
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return messaging.Event{}, fmt.Errorf("e2ee: decoding plaintext of %s: %w", original.EventID, err)
	}
	if content == nil {
		content = make(map[string]any)
	}
	if relation, ok := original.Content["m.relates_to"]; ok {
		if _, present := content["m.relates_to"]; !present {
			content["m.relates_to"] = relation
		}
	}

	result := original
	result.Type = ref.EventType(decrypted.Type.Type)
	result.Content = content
	return result, nil
}
