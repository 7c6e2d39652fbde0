// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"sync"
)

// ErrHandoffDropped is returned by Ready.Wait when the driver exits
// without ever reporting a first-sync outcome.
var ErrHandoffDropped = errors.New("syncer: first sync outcome was never reported")

// Ready carries the outcome of the first sync. It is fulfilled exactly
// once; later calls to fulfil are ignored.
type Ready struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newReady() *Ready {
	return &Ready{done: make(chan struct{})}
}

func (r *Ready) fulfil(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the outcome is known.
func (r *Ready) Done() <-chan struct{} { return r.done }

// Err returns the first-sync outcome. Only meaningful after Done is
// closed.
func (r *Ready) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx is done.
func (r *Ready) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
