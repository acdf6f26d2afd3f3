// Package channel provides the asynchronous, ordered delivery primitive the
// mesh is built on: a mailbox with a writer end and a reader end. Channels
// back both an agent instance's inbox and the caller-side reply stream of a
// request.
package channel

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/roasbeef/agentmesh/internal/envelope"
)

// ErrClosed indicates a write to a channel that has been closed by the
// caller, the transport, or the reaper.
var ErrClosed = errors.New("channel closed")

// Channel is a bounded FIFO envelope mailbox: writers block while it is
// full until the reader catches up. There is no unbounded mode; a
// non-positive capacity selects DefaultCapacity.
//
// Writes may happen concurrently from any goroutine. Reads should happen
// from a single goroutine (the instance's driver task or the requesting
// caller). Close is idempotent and safe to call concurrently with writes.
type Channel struct {
	// ch is the underlying buffered channel holding envelopes.
	ch chan *envelope.Envelope

	// closed indicates whether the channel has been closed. Atomic for
	// lock-free reads.
	closed atomic.Bool

	// mu protects writes against a concurrent close. Writers hold the
	// read lock for the duration of a send; Close takes the write lock
	// before closing ch, so a send can never hit a closed Go channel.
	mu sync.RWMutex

	// closeOnce ensures Close runs exactly once.
	closeOnce sync.Once
}

// DefaultCapacity is the inbox capacity used when a spec does not choose
// its own.
const DefaultCapacity = 64

// New creates a channel with the given capacity. A non-positive capacity
// defaults to DefaultCapacity.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Channel{
		ch: make(chan *envelope.Envelope, capacity),
	}
}

// Write enqueues an envelope, blocking while the channel is full until
// space frees up or the context is cancelled. It returns ErrClosed when the
// channel has been closed, and the context's error when the caller gives
// up first.
func (c *Channel) Write(ctx context.Context, env *envelope.Envelope) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed.Load() {
		return ErrClosed
	}

	select {
	case c.ch <- env:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWrite enqueues an envelope without blocking. It returns ErrClosed on a
// closed channel and false when the channel is full.
func (c *Channel) TryWrite(env *envelope.Envelope) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed.Load() {
		return false, ErrClosed
	}

	select {
	case c.ch <- env:
		return true, nil
	default:
		return false, nil
	}
}

// Read dequeues the next envelope in FIFO order, blocking until one is
// available, the channel is closed and drained, or the context is
// cancelled. A closed, drained channel returns ErrClosed, which readers
// treat as end-of-stream.
func (c *Channel) Read(ctx context.Context) (*envelope.Envelope, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	select {
	case env, ok := <-c.ch:
		if !ok {
			return nil, ErrClosed
		}

		return env, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Receive returns an iterator over envelopes in FIFO order. The iterator
// blocks while the channel is empty and stops when the context is
// cancelled or the channel is closed and drained.
func (c *Channel) Receive(ctx context.Context) iter.Seq[*envelope.Envelope] {
	return func(yield func(*envelope.Envelope) bool) {
		for {
			env, err := c.Read(ctx)
			if err != nil {
				return
			}

			if !yield(env) {
				return
			}
		}
	}
}

// Close closes the channel. Pending envelopes remain readable; once they
// are drained, readers observe end-of-stream. Subsequent writes fail with
// ErrClosed. Safe to call multiple times.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.closed.Store(true)
		close(c.ch)
	})
}

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Len returns the number of envelopes currently queued.
func (c *Channel) Len() int {
	return len(c.ch)
}
