// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually stepped Clock. Its zero value is not usable;
// construct it with Fake. It is safe for concurrent use.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	timers     []timer // ordered by due, then registration
	registered *sync.Cond
}

type timer struct {
	due     time.Time
	deliver chan time.Time
}

// Fake returns a FakeClock reading start. It moves only on Advance.
func Fake(start time.Time) *FakeClock {
	clock := &FakeClock{now: start}
	clock.registered = sync.NewCond(&clock.mu)
	return clock
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	deliver := make(chan time.Time, 1)
	if d <= 0 {
		deliver <- c.now
		return deliver
	}
	due := c.now.Add(d)
	index := sort.Search(len(c.timers), func(i int) bool { return c.timers[i].due.After(due) })
	c.timers = append(c.timers, timer{})
	copy(c.timers[index+1:], c.timers[index:])
	c.timers[index] = timer{due: due, deliver: deliver}
	c.registered.Broadcast()
	return deliver
}

// Advance moves the clock forward by d and fires every timer now due,
// earliest first. Each receives the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	split := sort.Search(len(c.timers), func(i int) bool { return c.timers[i].due.After(now) })
	due := c.timers[:split:split]
	c.timers = append([]timer(nil), c.timers[split:]...)
	c.mu.Unlock()

	for _, t := range due {
		t.deliver <- now
	}
}

// WaitForTimers blocks until n timers are pending, so a test can be
// sure a goroutine has started its backoff wait before advancing:
//
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.registered.Wait()
	}
}

// Pending reports how many timers have not fired.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
