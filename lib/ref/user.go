// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// UserID is a validated Matrix user ID (e.g., "@egret:example.org").
//
// A Matrix user ID always starts with '@' and contains a ':'
// separating the localpart from the server name. Only the structure is
// validated; historical user IDs with uppercase or punctuation in the
// localpart are accepted because homeservers still issue events from
// them.
//
// UserID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw Matrix user ID string.
func ParseUserID(raw string) (UserID, error) {
	if _, _, err := splitQualified(raw, '@', "user ID"); err != nil {
		return UserID{}, err
	}
	return UserID{id: raw}, nil
}

// MustParseUserID is like ParseUserID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

// String returns the full user ID string (e.g., "@egret:example.org").
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value (uninitialized).
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the portion between '@' and the first ':'.
// Panics if called on a zero-value UserID.
func (u UserID) Localpart() string {
	localpart, _ := u.split()
	return localpart
}

// Server returns the server name the user belongs to. This is the
// name used for homeserver discovery (.well-known/matrix/client).
// Panics if called on a zero-value UserID.
func (u UserID) Server() ServerName {
	_, server := u.split()
	return ServerName{name: server}
}

func (u UserID) split() (string, string) {
	if u.id == "" {
		panic("ref: UserID accessor called on zero value")
	}
	localpart, server, err := splitQualified(u.id, '@', "user ID")
	if err != nil {
		// UserID was validated at construction.
		panic(fmt.Sprintf("ref: UserID %q failed re-parse: %v", u.id, err))
	}
	return localpart, server
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// user ID format. An empty input produces the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// DeviceID names one login of a user. The server assigns it at login
// and it is opaque, so only emptiness is checked.
type DeviceID struct {
	id string
}

// ParseDeviceID rejects only the empty string.
func ParseDeviceID(raw string) (DeviceID, error) {
	if raw == "" {
		return DeviceID{}, fmt.Errorf("device ID is empty")
	}
	return DeviceID{id: raw}, nil
}

func (d DeviceID) String() string { return d.id }

func (d DeviceID) IsZero() bool { return d.id == "" }

// MarshalText writes the raw ID; the zero value becomes "".
func (d DeviceID) MarshalText() ([]byte, error) { return []byte(d.id), nil }

func (d *DeviceID) UnmarshalText(data []byte) error {
	*d = DeviceID{id: string(data)}
	return nil
}
