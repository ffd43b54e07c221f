// Package mocks provides in-memory doubles for the wire contracts: a
// Connection whose responses come from a scripted server and are dispatched
// on a dedicated goroutine, mirroring the event-loop confinement of a real
// transport, and a ConnectionProvider handing such connections out.
package mocks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/meshdb/meshdb-go/wire"
)

// Connection states, one-way and compare-and-set guarded.
const (
	connOpen int32 = iota
	connReleased
	connTerminated
)

// Responder produces the responses for one written message.
type Responder func(msg wire.Message) Response

// Response is what the scripted server answers to one message: zero or more
// records, then success metadata or a failure.
type Response struct {
	Records [][]any
	Meta    map[string]any
	Err     error
}

// Connection is an in-memory wire.Connection. Messages are answered by the
// responder on a single dispatch goroutine, in FIFO order.
type Connection struct {
	responder Responder
	queue     chan wire.Outgoing
	quit      chan struct{}
	finished  sync.WaitGroup
	closing   sync.Once

	state           atomic.Int32
	terminateReason atomic.Value
}

// NewConnection starts a connection answering through responder.
func NewConnection(responder Responder) *Connection {
	c := &Connection{
		responder: responder,
		queue:     make(chan wire.Outgoing, 64),
		quit:      make(chan struct{}),
	}
	c.finished.Add(1)
	go c.dispatch()
	return c
}

// dispatch is the connection's event loop: one goroutine delivering all
// response callbacks, so handler events are naturally serialized.
func (c *Connection) dispatch() {
	defer c.finished.Done()
	for {
		select {
		case out := <-c.queue:
			c.respond(out)
		case <-c.quit:
			// Drain what was queued before the close.
			for {
				select {
				case out := <-c.queue:
					c.respond(out)
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) respond(out wire.Outgoing) {
	response := c.responder(out.Message)
	for _, values := range response.Records {
		out.Handler.OnRecord(values)
	}
	if response.Err != nil {
		out.Handler.OnFailure(response.Err)
		return
	}
	meta := response.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	out.Handler.OnSuccess(meta)
}

func (c *Connection) Write(ctx context.Context, outgoing ...wire.Outgoing) error {
	if c.state.Load() != connOpen {
		return errors.New("write on closed connection")
	}
	for _, out := range outgoing {
		select {
		case c.queue <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Connection) WriteAndFlush(ctx context.Context, outgoing ...wire.Outgoing) error {
	return c.Write(ctx, outgoing...)
}

// Release returns the connection to the pool. Only the first of
// Release/TerminateAndRelease takes effect.
func (c *Connection) Release(ctx context.Context) error {
	if c.state.CompareAndSwap(connOpen, connReleased) {
		c.closing.Do(func() { close(c.quit) })
	}
	return nil
}

func (c *Connection) TerminateAndRelease(ctx context.Context, reason string) {
	if c.state.CompareAndSwap(connOpen, connTerminated) {
		c.terminateReason.Store(reason)
		c.closing.Do(func() { close(c.quit) })
	}
}

func (c *Connection) Protocol() string {
	return "mock/1"
}

func (c *Connection) ServerName() string {
	return "mock-server:7777"
}

func (c *Connection) IsOpen() bool {
	return c.state.Load() == connOpen
}

// Released reports whether the connection went back to the pool.
func (c *Connection) Released() bool {
	return c.state.Load() == connReleased
}

// Terminated reports whether the connection was destroyed.
func (c *Connection) Terminated() bool {
	return c.state.Load() == connTerminated
}

// TerminateReason returns the reason passed to TerminateAndRelease.
func (c *Connection) TerminateReason() string {
	if r, ok := c.terminateReason.Load().(string); ok {
		return r
	}
	return ""
}

// Drain blocks until the dispatch goroutine exits. Tests call it after
// Release to assert on final state without sleeping.
func (c *Connection) Drain() {
	c.finished.Wait()
}
