// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer runs the supervised Matrix /sync loop.
//
// The first /sync is bounded and its outcome is reported through a
// [Ready] handoff so startup can fail fast. After that the driver
// long-polls forever, retrying transient failures on a constant
// interval until its context is cancelled.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bureau-foundation/egret/lib/clock"
	"github.com/bureau-foundation/egret/messaging"
)

const (
	// DefaultFirstSyncTimeout is the server-side long-poll timeout of
	// the first /sync.
	DefaultFirstSyncTimeout = 20 * time.Second

	// DefaultPollTimeout is the server-side long-poll timeout of every
	// later /sync.
	DefaultPollTimeout = 30 * time.Second

	// DefaultBackoff is the wait between a failed /sync and the retry.
	DefaultBackoff = 5 * time.Second

	// firstSyncSlack is added to the first-sync timeout to form the
	// client-side deadline.
	firstSyncSlack = 10 * time.Second
)

// Session is the part of *messaging.DirectSession the driver uses.
type Session interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
	CloseIdleConnections()
}

// Store is the part of *statestore.Store the driver uses.
type Store interface {
	SinceToken() string
	ApplySync(response *messaging.SyncResponse)
	Flush() error
}

// Handler receives each successful /sync response after it has been
// applied to the store. The next poll starts after Handler returns.
type Handler func(ctx context.Context, response *messaging.SyncResponse)

// Config configures a Driver. Session and Store are required.
type Config struct {
	Session Session
	Store   Store
	Handler Handler

	FirstSyncTimeout time.Duration
	PollTimeout      time.Duration
	Backoff          time.Duration

	// Filter is passed through to /sync.
	Filter string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Driver owns the /sync loop.
type Driver struct {
	session Session
	store   Store
	handler Handler

	firstSyncTimeout time.Duration
	pollTimeout      time.Duration
	backoff          backoff.BackOff
	filter           string

	clock  clock.Clock
	logger *slog.Logger
}

// New validates config and fills in defaults.
func New(config Config) (*Driver, error) {
	if config.Session == nil {
		return nil, errors.New("syncer: Session is required")
	}
	if config.Store == nil {
		return nil, errors.New("syncer: Store is required")
	}
	driver := &Driver{
		session:          config.Session,
		store:            config.Store,
		handler:          config.Handler,
		firstSyncTimeout: config.FirstSyncTimeout,
		pollTimeout:      config.PollTimeout,
		filter:           config.Filter,
		clock:            config.Clock,
		logger:           config.Logger,
	}
	if driver.firstSyncTimeout <= 0 {
		driver.firstSyncTimeout = DefaultFirstSyncTimeout
	}
	if driver.pollTimeout <= 0 {
		driver.pollTimeout = DefaultPollTimeout
	}
	interval := config.Backoff
	if interval <= 0 {
		interval = DefaultBackoff
	}
	driver.backoff = backoff.NewConstantBackOff(interval)
	if driver.clock == nil {
		driver.clock = clock.Real()
	}
	if driver.logger == nil {
		driver.logger = slog.Default()
	}
	if driver.handler == nil {
		driver.handler = func(context.Context, *messaging.SyncResponse) {}
	}
	return driver, nil
}

// Start launches the loop and returns the first-sync handoff. The loop
// runs until ctx is cancelled, whatever the first sync's outcome.
func (d *Driver) Start(ctx context.Context) *Ready {
	ready := newReady()
	go d.run(ctx, ready)
	return ready
}

func (d *Driver) run(ctx context.Context, ready *Ready) {
	// The handoff must never be left pending, including on panic.
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("sync driver panicked", "panic", recovered)
			ready.fulfil(fmt.Errorf("syncer: driver panicked: %v", recovered))
			return
		}
		ready.fulfil(ErrHandoffDropped)
	}()

	err := d.firstSync(ctx)
	ready.fulfil(err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Error("first sync failed", "error", err)
		d.pause(ctx)
	}

	for ctx.Err() == nil {
		if err := d.poll(ctx, d.pollTimeout); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("sync failed, retrying", "error", err)
			d.pause(ctx)
		}
	}
}

func (d *Driver) firstSync(ctx context.Context) error {
	firstCtx, cancel := context.WithTimeout(ctx, d.firstSyncTimeout+firstSyncSlack)
	defer cancel()
	d.logger.Info("starting first sync",
		"resuming", d.store.SinceToken() != "",
		"timeout", d.firstSyncTimeout,
	)
	if err := d.poll(firstCtx, d.firstSyncTimeout); err != nil {
		return fmt.Errorf("syncer: first sync: %w", err)
	}
	d.logger.Info("first sync complete", "since", d.store.SinceToken())
	return nil
}

// poll performs one /sync and, on success, applies it to the store and
// hands it to the handler. A failed flush is logged; the in-memory
// state is still current. A handler panic is returned as an error so
// the loop backs off and keeps going; the since token has already
// advanced past the response that caused it.
func (d *Driver) poll(ctx context.Context, timeout time.Duration) error {
	response, err := d.session.Sync(ctx, messaging.SyncOptions{
		Since:      d.store.SinceToken(),
		Timeout:    int(timeout / time.Millisecond),
		SetTimeout: true,
		Filter:     d.filter,
	})
	if err != nil {
		return err
	}
	d.store.ApplySync(response)
	if err := d.store.Flush(); err != nil {
		d.logger.Error("persisting sync state failed", "error", err)
	}
	return d.callHandler(ctx, response)
}

func (d *Driver) callHandler(ctx context.Context, response *messaging.SyncResponse) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("sync handler panicked",
				"next_batch", response.NextBatch,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("syncer: handler panicked: %v", recovered)
		}
	}()
	d.handler(ctx, response)
	return nil
}

// pause drops pooled connections, which may be half-dead after a
// network change, and waits out the backoff interval.
func (d *Driver) pause(ctx context.Context) {
	d.session.CloseIdleConnections()
	wait := d.backoff.NextBackOff()
	select {
	case <-ctx.Done():
	case <-d.clock.After(wait):
	}
}
