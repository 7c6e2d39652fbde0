// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// EventID identifies one event, such as "$Rqnc-F-dvnEYJTyHq" (room
// version 4 and later) or "$opaque:example.org" (older rooms). Reply
// targets and the event cache are keyed by it. Only the '$' sigil and
// a non-empty remainder are checked.
type EventID struct {
	id string
}

// ParseEventID validates raw as an event ID.
func ParseEventID(raw string) (EventID, error) {
	body, found := strings.CutPrefix(raw, "$")
	switch {
	case raw == "":
		return EventID{}, fmt.Errorf("empty event ID")
	case !found:
		return EventID{}, fmt.Errorf("event ID must start with '$': %q", raw)
	case body == "":
		return EventID{}, fmt.Errorf("event ID has no content after '$': %q", raw)
	}
	return EventID{id: raw}, nil
}

// MustParseEventID panics if raw is not an event ID. For tests and
// literals.
func MustParseEventID(raw string) EventID {
	eventID, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return eventID
}

func (e EventID) String() string { return e.id }

func (e EventID) IsZero() bool { return e.id == "" }

func (e EventID) MarshalText() ([]byte, error) { return []byte(e.id), nil }

// UnmarshalText validates data; "" decodes to the zero value so that
// optional fields such as in_reply_to round-trip.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
