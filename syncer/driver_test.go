// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/egret/lib/clock"
	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/lib/statestore"
	"github.com/bureau-foundation/egret/lib/testutil"
	"github.com/bureau-foundation/egret/messaging"
	"github.com/bureau-foundation/egret/messaging/matrixtest"
	"github.com/bureau-foundation/egret/syncer"
)

const botUser = "@egret:example.org"

var testRoom = ref.MustParseRoomID("!room:example.org")

type harness struct {
	server    *matrixtest.Server
	store     *statestore.Store
	clock     *clock.FakeClock
	responses chan *messaging.SyncResponse
	driver    *syncer.Driver
	ctx       context.Context
}

func newHarness(t *testing.T, handler syncer.Handler) *harness {
	t.Helper()
	server := matrixtest.New(t)
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: server.URL(),
		HTTPClient:    server.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	accessToken, _ := server.IssueTokens(botUser)
	session, err := client.SessionFromCredentials(messaging.Credentials{
		UserID:      ref.MustParseUserID(botUser),
		AccessToken: accessToken,
	})
	if err != nil {
		t.Fatalf("SessionFromCredentials: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	store, err := statestore.Open(t.TempDir(), statestore.Options{})
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}

	h := &harness{
		server:    server,
		store:     store,
		clock:     clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		responses: make(chan *messaging.SyncResponse, 16),
	}
	if handler == nil {
		handler = func(_ context.Context, response *messaging.SyncResponse) {
			h.responses <- response
		}
	}
	h.driver, err = syncer.New(syncer.Config{
		Session:          session,
		Store:            store,
		Handler:          handler,
		FirstSyncTimeout: time.Second,
		PollTimeout:      10 * time.Second,
		Backoff:          5 * time.Second,
		Clock:            h.clock,
	})
	if err != nil {
		t.Fatalf("syncer.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx
	return h
}

func messageSync(nextBatch, eventID string) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: nextBatch,
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				testRoom: {Timeline: messaging.TimelineSection{Events: []messaging.Event{{
					EventID: ref.MustParseEventID(eventID),
					Type:    ref.EventTypeMessage,
					Sender:  ref.MustParseUserID("@alice:example.org"),
					Content: map[string]any{"msgtype": "m.text", "body": "hi"},
				}}}},
			},
		},
	}
}

func TestFirstSyncFulfilsHandoff(t *testing.T) {
	h := newHarness(t, nil)
	h.server.QueueSync(matrixtest.SyncStep{Response: messageSync("s1", "$first")})

	ready := h.driver.Start(h.ctx)
	if err := ready.Wait(h.ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	response := testutil.RequireReceive(t, h.responses, 5*time.Second, "first sync response")
	if response.NextBatch != "s1" {
		t.Errorf("NextBatch = %q, want s1", response.NextBatch)
	}
	if token := h.store.SinceToken(); token != "s1" {
		t.Errorf("store since token = %q, want s1", token)
	}
	if _, ok := h.store.Event(testRoom, ref.MustParseEventID("$first")); !ok {
		t.Error("first sync event not cached in the store")
	}

	// The first request carries the first-sync timeout and no since.
	requests := h.server.SyncRequests()
	if got := requests[0].Get("timeout"); got != "1000" {
		t.Errorf("first sync timeout = %q, want 1000", got)
	}
	if requests[0].Has("since") {
		t.Errorf("first sync sent since=%q on an empty store", requests[0].Get("since"))
	}

	// Steady-state polls resume from the stored token.
	h.server.QueueSync(matrixtest.SyncStep{Response: messageSync("s2", "$second")})
	response = testutil.RequireReceive(t, h.responses, 5*time.Second, "second sync response")
	if response.NextBatch != "s2" {
		t.Errorf("NextBatch = %q, want s2", response.NextBatch)
	}
	requests = h.server.SyncRequests()
	if got := requests[1].Get("since"); got != "s1" {
		t.Errorf("second sync since = %q, want s1", got)
	}
	if got := requests[1].Get("timeout"); got != "10000" {
		t.Errorf("second sync timeout = %q, want 10000", got)
	}
}

func TestFirstSyncFailureReportedThenLoopRecovers(t *testing.T) {
	h := newHarness(t, nil)
	h.server.QueueSync(matrixtest.SyncStep{Status: http.StatusBadGateway})

	ready := h.driver.Start(h.ctx)
	err := ready.Wait(h.ctx)
	var matrixErr *messaging.MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("first sync error = %v, want a 502 MatrixError", err)
	}

	// The driver waits out the backoff and keeps going; the handoff
	// keeps reporting the first outcome.
	h.clock.WaitForTimers(1)
	h.server.QueueSync(matrixtest.SyncStep{Response: messageSync("s1", "$later")})
	h.clock.Advance(5 * time.Second)

	response := testutil.RequireReceive(t, h.responses, 5*time.Second, "sync after backoff")
	if response.NextBatch != "s1" {
		t.Errorf("NextBatch = %q, want s1", response.NextBatch)
	}
	if !errors.As(ready.Err(), &matrixErr) {
		t.Errorf("handoff changed after a later success: %v", ready.Err())
	}
}

func TestTransientFailureBacksOffOnClock(t *testing.T) {
	h := newHarness(t, nil)
	h.server.QueueSync(
		matrixtest.SyncStep{Response: messageSync("s1", "$one")},
		matrixtest.SyncStep{Status: http.StatusInternalServerError},
		matrixtest.SyncStep{Response: messageSync("s2", "$two")},
	)

	ready := h.driver.Start(h.ctx)
	if err := ready.Wait(h.ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	testutil.RequireReceive(t, h.responses, 5*time.Second, "first response")

	// The failed poll leaves the driver parked on the fake clock.
	h.clock.WaitForTimers(1)
	testutil.RequireNoReceive(t, h.responses, 50*time.Millisecond, "response before backoff elapsed")
	if count := h.server.RequestCount("sync"); count != 2 {
		t.Errorf("sync requests before backoff = %d, want 2", count)
	}

	h.clock.Advance(5 * time.Second)
	response := testutil.RequireReceive(t, h.responses, 5*time.Second, "response after backoff")
	if response.NextBatch != "s2" {
		t.Errorf("NextBatch = %q, want s2", response.NextBatch)
	}
	// The retry still resumes from the last good token.
	if got := h.server.SyncRequests()[2].Get("since"); got != "s1" {
		t.Errorf("retry since = %q, want s1", got)
	}
}

func TestPanicDuringFirstSyncFulfilsHandoff(t *testing.T) {
	h := newHarness(t, func(context.Context, *messaging.SyncResponse) {
		panic("handler exploded")
	})
	h.server.QueueSync(matrixtest.SyncStep{Response: messageSync("s1", "$boom")})

	ready := h.driver.Start(h.ctx)
	err := ready.Wait(h.ctx)
	if err == nil || !strings.Contains(err.Error(), "handler exploded") {
		t.Fatalf("handoff error = %v, want the panic value", err)
	}
}

func TestHandlerPanicAfterFirstSyncKeepsLooping(t *testing.T) {
	responses := make(chan *messaging.SyncResponse, 8)
	h := newHarness(t, func(_ context.Context, response *messaging.SyncResponse) {
		if response.NextBatch == "s2" {
			panic("handler exploded on s2")
		}
		responses <- response
	})
	h.server.QueueSync(
		matrixtest.SyncStep{Response: messageSync("s1", "$one")},
		matrixtest.SyncStep{Response: messageSync("s2", "$two")},
		matrixtest.SyncStep{Response: messageSync("s3", "$three")},
	)

	ready := h.driver.Start(h.ctx)
	if err := ready.Wait(h.ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	testutil.RequireReceive(t, responses, 5*time.Second, "first response")

	// The panic is treated like a transient failure.
	h.clock.WaitForTimers(1)
	h.clock.Advance(5 * time.Second)
	response := testutil.RequireReceive(t, responses, 5*time.Second, "response after panic")
	if response.NextBatch != "s3" {
		t.Errorf("NextBatch = %q, want s3", response.NextBatch)
	}
	// s2 was applied before its handler ran, so the loop does not replay it.
	if got := h.server.SyncRequests()[2].Get("since"); got != "s2" {
		t.Errorf("since after panic = %q, want s2", got)
	}
	if got := h.store.SinceToken(); got != "s3" {
		t.Errorf("store since = %q, want s3", got)
	}
}

func TestCancelBeforeFirstSync(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(h.ctx)

	// Nothing is queued, so the first sync long-polls until cancelled.
	ready := h.driver.Start(ctx)
	cancel()

	testutil.RequireClosed(t, ready.Done(), 5*time.Second, "handoff after cancel")
	if ready.Err() == nil {
		t.Error("handoff reported success for a cancelled first sync")
	}
}

func TestNewRequiresSessionAndStore(t *testing.T) {
	if _, err := syncer.New(syncer.Config{}); err == nil {
		t.Error("New with no session succeeded")
	}
}
