// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix state or timeline event type. It is a
// named string, not a struct wrapper: event types are opaque
// identifiers that need no parsing. The type prevents a state key or
// msgtype from being passed where an event type is expected.
type EventType string

// String returns the event type string (e.g., "m.room.message").
func (t EventType) String() string { return string(t) }

// Standard Matrix event types used by the bot.
const (
	EventTypeMessage    EventType = "m.room.message"
	EventTypeEncrypted  EventType = "m.room.encrypted"
	EventTypeEncryption EventType = "m.room.encryption"
	EventTypeRoomName   EventType = "m.room.name"
	EventTypeMember     EventType = "m.room.member"
	EventTypeRedaction  EventType = "m.room.redaction"
)
