// Package ioqueue provides a reusable asynchronous, single-writer fan-in
// queue, generalized from CAN frames to arbitrary byte payloads so it
// can back the bench serial mirror without pulling a frame-bus-specific
// type into a generic queueing primitive.
package ioqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("ioqueue: closed")

// Hooks customize AsyncWriter behavior without duplicating the
// goroutine + buffer plumbing per caller.
type Hooks struct {
	// OnError is called when send returns a non-nil error (payload not delivered).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent.
	OnDrop func() error
}

// AsyncWriter funnels payload writes through a single goroutine so a
// slow or wedged sink never blocks producers.
type AsyncWriter struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func([]byte) error
	hooks  Hooks
	closed atomic.Bool
}

// New constructs an AsyncWriter with a buffered channel of size buf.
func New(parent context.Context, buf int, send func([]byte) error, hooks Hooks) *AsyncWriter {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncWriter{
		ch:     make(chan []byte, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncWriter) loop() {
	defer a.wg.Done()
	for {
		select {
		case p, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(p); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues a payload for asynchronous delivery, or returns the drop
// error (if any) when the buffer is full.
func (a *AsyncWriter) Send(p []byte) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrClosed
	}
	select {
	case a.ch <- p:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to finish.
func (a *AsyncWriter) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
