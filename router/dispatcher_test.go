// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/lib/testutil"
	"github.com/bureau-foundation/egret/messaging"
)

var otherRoomID = ref.MustParseRoomID("!other:example.org")

func timelineSync(events map[ref.RoomID][]messaging.Event) *messaging.SyncResponse {
	response := &messaging.SyncResponse{Rooms: messaging.RoomsSection{Join: map[ref.RoomID]messaging.JoinedRoom{}}}
	for roomID, roomEvents := range events {
		response.Rooms.Join[roomID] = messaging.JoinedRoom{Timeline: messaging.TimelineSection{Events: roomEvents}}
	}
	return response
}

func textEvents(prefix string, count int) []messaging.Event {
	events := make([]messaging.Event, count)
	for i := range events {
		events[i] = messageEvent(fmt.Sprintf("$%s%d", prefix, i), aliceID,
			map[string]any{"msgtype": "m.text", "body": fmt.Sprint(i)})
	}
	return events
}

func TestDispatcherPreservesRoomOrder(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	defer dispatcher.Close()

	seen := make(chan ref.EventID, 64)
	if err := dispatcher.AddRoomHandler(roomID, func(_ context.Context, event messaging.Event) error {
		seen <- event.EventID
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	events := textEvents("e", 20)
	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{roomID: events[:10]}))
	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{roomID: events[10:]}))

	for i, event := range events {
		got := testutil.RequireReceive(t, seen, 5*time.Second, "event %d", i)
		if got != event.EventID {
			t.Fatalf("event %d = %s, want %s", i, got, event.EventID)
		}
	}
}

func TestDispatcherRoomsRunConcurrently(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	defer dispatcher.Close()

	release := make(chan struct{})
	blocked := make(chan struct{})
	if err := dispatcher.AddRoomHandler(roomID, func(ctx context.Context, _ messaging.Event) error {
		close(blocked)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	otherSeen := make(chan ref.EventID, 4)
	if err := dispatcher.AddRoomHandler(otherRoomID, func(_ context.Context, event messaging.Event) error {
		otherSeen <- event.EventID
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{
		roomID:      textEvents("slow", 1),
		otherRoomID: textEvents("fast", 1),
	}))

	testutil.RequireClosed(t, blocked, 5*time.Second, "slow room handler started")
	// The other room is served while the first is still blocked.
	testutil.RequireReceive(t, otherSeen, 5*time.Second, "other room event")
	close(release)
}

func TestDispatcherLateRegistrationSkipsEarlierEvents(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	defer dispatcher.Close()

	first := make(chan ref.EventID, 8)
	if err := dispatcher.AddRoomHandler(roomID, func(_ context.Context, event messaging.Event) error {
		first <- event.EventID
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	early := textEvents("early", 1)
	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{roomID: early}))
	testutil.RequireReceive(t, first, 5*time.Second, "early event for first handler")

	second := make(chan ref.EventID, 8)
	if err := dispatcher.AddRoomHandler(roomID, func(_ context.Context, event messaging.Event) error {
		second <- event.EventID
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	late := textEvents("late", 1)
	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{roomID: late}))

	if got := testutil.RequireReceive(t, second, 5*time.Second, "late event for second handler"); got != late[0].EventID {
		t.Errorf("second handler first saw %s, want %s", got, late[0].EventID)
	}
	testutil.RequireReceive(t, first, 5*time.Second, "late event for first handler")
}

func TestDispatcherSkipFirst(t *testing.T) {
	logs, logger := testutil.NewLogCapture()
	dispatcher := NewDispatcher(logger)
	defer dispatcher.Close()

	seen := make(chan ref.EventID, 8)
	if err := dispatcher.AddRoomHandler(roomID, func(_ context.Context, event messaging.Event) error {
		seen <- event.EventID
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	dispatcher.SkipFirst()

	backlog := timelineSync(map[ref.RoomID][]messaging.Event{roomID: textEvents("backlog", 2)})
	backlog.NextBatch = "s1"
	dispatcher.HandleSync(context.Background(), backlog)
	live := textEvents("live", 1)
	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{roomID: live}))

	if got := testutil.RequireReceive(t, seen, 5*time.Second, "live event"); got != live[0].EventID {
		t.Errorf("first delivered event = %s, want %s", got, live[0].EventID)
	}
	testutil.RequireNoReceive(t, seen, 50*time.Millisecond, "backlog event")
	if logs.Find("skipping initial sync backlog", "next_batch", "s1") == nil {
		t.Error("skipped response was not logged")
	}
}

func TestDispatcherFullQueueBlocksSync(t *testing.T) {
	logs, logger := testutil.NewLogCapture()
	dispatcher := NewDispatcher(logger)
	dispatcher.queueSize = 1
	defer dispatcher.Close()

	release := make(chan struct{})
	seen := make(chan ref.EventID, 8)
	if err := dispatcher.AddRoomHandler(roomID, func(_ context.Context, event messaging.Event) error {
		<-release
		seen <- event.EventID
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// One event in the handler and one buffered leave the third waiting.
	events := textEvents("q", 3)
	done := make(chan struct{})
	go func() {
		dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{roomID: events}))
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for logs.Find("room queue full, sync waiting on handlers", "room_id", roomID.String()) == nil {
		if time.Now().After(deadline) {
			t.Fatal("full queue was not logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("HandleSync returned while the room queue was full")
	default:
	}

	close(release)
	testutil.RequireClosed(t, done, 5*time.Second, "HandleSync after queue drained")
	for i := range events {
		if got := testutil.RequireReceive(t, seen, 5*time.Second, "queued event"); got != events[i].EventID {
			t.Errorf("event %d = %s, want %s", i, got, events[i].EventID)
		}
	}
}

func TestDispatcherIgnoresUnregisteredRooms(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	defer dispatcher.Close()

	seen := make(chan ref.EventID, 8)
	if err := dispatcher.AddRoomHandler(roomID, func(_ context.Context, event messaging.Event) error {
		seen <- event.EventID
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{
		otherRoomID: textEvents("elsewhere", 3),
	}))
	testutil.RequireNoReceive(t, seen, 50*time.Millisecond, "event from an unregistered room")
}

func TestDispatcherContainsFailures(t *testing.T) {
	logs, logger := testutil.NewLogCapture()
	dispatcher := NewDispatcher(logger)

	events := textEvents("c", 3)
	seen := make(chan ref.EventID, 8)
	if err := dispatcher.AddRoomHandler(roomID, func(_ context.Context, event messaging.Event) error {
		switch event.EventID {
		case events[0].EventID:
			return errors.New("first event fails")
		case events[1].EventID:
			panic("second event panics")
		}
		seen <- event.EventID
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{roomID: events}))
	if got := testutil.RequireReceive(t, seen, 5*time.Second, "event after failures"); got != events[2].EventID {
		t.Errorf("delivered %s, want %s", got, events[2].EventID)
	}
	dispatcher.Close()

	if logs.Find("event handler failed", "room_id", roomID.String(), "event_id", events[0].EventID.String()) == nil {
		t.Error("handler error was not logged with room and event IDs")
	}
	if logs.Find("event handler panicked", "event_id", events[1].EventID.String()) == nil {
		t.Error("handler panic was not logged")
	}
}

func TestDispatcherClose(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	dispatcher.Close()
	dispatcher.Close()
	if err := dispatcher.AddRoomHandler(roomID, func(context.Context, messaging.Event) error { return nil }); err == nil {
		t.Error("AddRoomHandler on a closed dispatcher succeeded")
	}
	// HandleSync after Close is a no-op rather than a panic.
	dispatcher.HandleSync(context.Background(), timelineSync(map[ref.RoomID][]messaging.Event{roomID: textEvents("x", 1)}))
}
