// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// ServerName is the part of a user or room ID after the first colon,
// such as "beeper.com" or "matrix.example.org:8448". Homeserver
// discovery starts from it.
type ServerName struct {
	name string
}

// ParseServerName validates raw as a server name.
func ParseServerName(raw string) (ServerName, error) {
	if err := checkServer(raw); err != nil {
		return ServerName{}, err
	}
	return ServerName{name: raw}, nil
}

func (s ServerName) String() string { return s.name }

func (s ServerName) IsZero() bool { return s.name == "" }

// checkServer rejects empty names and names containing whitespace,
// control bytes, a path separator or any identifier sigil.
func checkServer(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	if i := strings.IndexFunc(server, func(r rune) bool {
		return r <= ' ' || strings.ContainsRune("@#!$/", r)
	}); i >= 0 {
		return fmt.Errorf("server name %q: invalid character at byte %d", server, i)
	}
	return nil
}

// splitQualified splits "<sigil>localpart:server". kind names the
// identifier in error messages.
func splitQualified(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	switch {
	case identifier == "":
		return "", "", fmt.Errorf("empty %s", kind)
	case identifier[0] != sigil:
		return "", "", fmt.Errorf("%s must start with '%c': %q", kind, sigil, identifier)
	}
	localpart, server, found := strings.Cut(identifier[1:], ":")
	switch {
	case !found:
		return "", "", fmt.Errorf("%s missing ':server' suffix: %q", kind, identifier)
	case localpart == "":
		return "", "", fmt.Errorf("%s has empty local part: %q", kind, identifier)
	case server == "":
		return "", "", fmt.Errorf("%s has empty server name: %q", kind, identifier)
	}
	if err := checkServer(server); err != nil {
		return "", "", fmt.Errorf("%s %q: %w", kind, identifier, err)
	}
	return localpart, server, nil
}
