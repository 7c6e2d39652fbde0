// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock supplies the current time and timed waits. The sync
// driver waits out its retry backoff on a Clock, and media artifacts
// fall back to Clock.Now when an event carries no server timestamp.
// Tests substitute a Fake and step it with Advance.
package clock

import "time"

// Clock is the part of the time package the bot uses.
type Clock interface {
	Now() time.Time

	// After delivers the time on the returned channel once d has
	// elapsed, or immediately when d <= 0.
	After(d time.Duration) <-chan time.Time
}

// Real returns the wall clock.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
