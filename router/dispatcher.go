// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/messaging"
)

// DefaultQueueSize is the number of events buffered per room before
// HandleSync blocks.
const DefaultQueueSize = 256

// EventHandler handles one timeline event of a room.
type EventHandler func(ctx context.Context, event messaging.Event) error

// Dispatcher fans sync responses out to per-room handlers. Each room
// has one worker goroutine, so a room's events are handled one at a
// time in timeline order while different rooms proceed concurrently.
type Dispatcher struct {
	logger    *slog.Logger
	queueSize int

	// mu is held for reading across a whole HandleSync so Close cannot
	// close a queue mid-send.
	mu      sync.RWMutex
	closed  bool
	workers map[ref.RoomID]*roomWorker
	wg      sync.WaitGroup

	skipFirst atomic.Bool
}

type roomWorker struct {
	roomID   ref.RoomID
	handlers []EventHandler
	queue    chan dispatchItem
}

// dispatchItem pins the handler set at dispatch time, so a handler
// registered later never sees earlier events.
type dispatchItem struct {
	ctx      context.Context
	event    messaging.Event
	handlers []EventHandler
}

// NewDispatcher returns an idle Dispatcher. A nil logger uses
// slog.Default.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger,
		queueSize: DefaultQueueSize,
		workers:   make(map[ref.RoomID]*roomWorker),
	}
}

// AddRoomHandler registers handler for roomID, starting the room's
// worker on first registration.
func (d *Dispatcher) AddRoomHandler(roomID ref.RoomID, handler EventHandler) error {
	if roomID.IsZero() {
		return fmt.Errorf("router: room ID is required")
	}
	if handler == nil {
		return fmt.Errorf("router: handler is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("router: dispatcher is closed")
	}
	worker, ok := d.workers[roomID]
	if !ok {
		worker = &roomWorker{roomID: roomID, queue: make(chan dispatchItem, d.queueSize)}
		d.workers[roomID] = worker
		d.wg.Add(1)
		go d.run(worker)
	}
	// Copy-on-write: queued items keep the slice they were given.
	handlers := make([]EventHandler, len(worker.handlers), len(worker.handlers)+1)
	copy(handlers, worker.handlers)
	worker.handlers = append(handlers, handler)
	return nil
}

// SkipFirst makes the next HandleSync call drop its response. Call it
// before the sync driver starts so the first sync, which carries room
// history from before startup, reaches no handler.
func (d *Dispatcher) SkipFirst() {
	d.skipFirst.Store(true)
}

// HandleSync queues the timeline events of every joined room that has
// handlers. Its signature matches syncer.Handler.
//
// A full room queue is backpressure: HandleSync blocks, and with it the
// sync loop, until that room's worker drains an event or ctx is
// cancelled. No events are dropped. The stall is logged once per room
// per response.
//
// Rooms are visited in map order; ordering holds within a room only.
func (d *Dispatcher) HandleSync(ctx context.Context, response *messaging.SyncResponse) {
	if response == nil {
		return
	}
	if d.skipFirst.CompareAndSwap(true, false) {
		d.logger.Info("skipping initial sync backlog",
			"next_batch", response.NextBatch,
			"rooms", len(response.Rooms.Join),
		)
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for roomID, room := range response.Rooms.Join {
		worker, ok := d.workers[roomID]
		if !ok || len(worker.handlers) == 0 {
			continue
		}
		stalled := false
		for _, event := range room.Timeline.Events {
			if event.RoomID.IsZero() {
				event.RoomID = roomID
			}
			item := dispatchItem{ctx: ctx, event: event, handlers: worker.handlers}
			select {
			case worker.queue <- item:
				continue
			default:
			}
			if !stalled {
				stalled = true
				d.logger.Warn("room queue full, sync waiting on handlers",
					"room_id", roomID.String(),
					"event_id", event.EventID.String(),
					"queue_size", cap(worker.queue),
				)
			}
			select {
			case worker.queue <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) run(worker *roomWorker) {
	defer d.wg.Done()
	for item := range worker.queue {
		for _, handler := range item.handlers {
			d.invoke(item.ctx, worker.roomID, item.event, handler)
		}
	}
}

// invoke contains handler errors and panics to the one event.
func (d *Dispatcher) invoke(ctx context.Context, roomID ref.RoomID, event messaging.Event, handler EventHandler) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("event handler panicked",
				"room_id", roomID.String(),
				"event_id", event.EventID.String(),
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if err := handler(ctx, event); err != nil {
		d.logger.Error("event handler failed",
			"room_id", roomID.String(),
			"event_id", event.EventID.String(),
			"error", err,
		)
	}
}

// Close stops accepting events, lets workers drain their queues, and
// waits for them to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	workers := d.workers
	d.mu.Unlock()

	for _, worker := range workers {
		close(worker.queue)
	}
	d.wg.Wait()
}
