// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

// State is a Manager's position in the startup sequence.
type State int

const (
	StateUninitialized State = iota
	StateRestoring
	StateFreshLogin
	StateRecoveryUnlocking
	StateSyncing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRestoring:
		return "restoring"
	case StateFreshLogin:
		return "fresh_login"
	case StateRecoveryUnlocking:
		return "recovery_unlocking"
	case StateSyncing:
		return "syncing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
