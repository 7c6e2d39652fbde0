// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"

	"github.com/bureau-foundation/egret/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAfterFiresOnlyWhenDue(t *testing.T) {
	fake := Fake(epoch)
	wait := fake.After(5 * time.Second)

	fake.Advance(4 * time.Second)
	testutil.RequireNoReceive(t, wait, 10*time.Millisecond, "timer fired early")

	fake.Advance(time.Second)
	fired := testutil.RequireReceive(t, wait, time.Second, "timer did not fire when due")
	if !fired.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("fired at %v, want %v", fired, epoch.Add(5*time.Second))
	}
	if fake.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", fake.Pending())
	}
}

func TestAfterNonPositiveIsImmediate(t *testing.T) {
	fake := Fake(epoch)
	testutil.RequireReceive(t, fake.After(0), time.Second, "After(0) did not fire")
	if fake.Pending() != 0 {
		t.Errorf("After(0) registered a timer")
	}
}

func TestAdvanceFiresInDueOrder(t *testing.T) {
	fake := Fake(epoch)
	late := fake.After(3 * time.Second)
	early := fake.After(time.Second)
	never := fake.After(time.Hour)

	fake.Advance(5 * time.Second)
	testutil.RequireReceive(t, early, time.Second, "early timer")
	testutil.RequireReceive(t, late, time.Second, "late timer")
	testutil.RequireNoReceive(t, never, 10*time.Millisecond, "far timer fired")
	if fake.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", fake.Pending())
	}
}

func TestWaitForTimers(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Minute)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	testutil.RequireClosed(t, done, time.Second, "waiter not released")

	if !fake.Now().Equal(epoch.Add(time.Minute)) {
		t.Errorf("Now() = %v, want %v", fake.Now(), epoch.Add(time.Minute))
	}
}
