package common

import (
	"context"
	"iter"
	"math"
	"sync"

	"github.com/meshdb/meshdb-go"
	"github.com/meshdb/meshdb-go/wire"
)

// resultCursor is the consumer-facing wrapper over one pull handler. Records
// delivered by the connection's dispatch goroutine accumulate in a buffer;
// the consumer goroutine drains it, registering new demand with the handler
// whenever the buffer runs dry.
type resultCursor struct {
	mu      sync.Mutex
	handler *wire.PullHandler
	conn    wire.Connection

	fetchSize int64
	// outstanding counts requested records not yet delivered; a new batch is
	// requested only when it reaches zero with an empty buffer.
	outstanding int64

	buffer  []*meshdb.Record
	summary *meshdb.ResultSummary
	err     error
	done    bool

	// signal wakes the waiting consumer; capacity 1 so a wakeup between the
	// state check and the wait is never lost.
	signal chan struct{}

	// onDone fires once when the stream reaches a terminal state.
	onDone   func(summary *meshdb.ResultSummary, err error)
	doneOnce sync.Once
}

// newResultCursor wires a cursor onto handler. onDone receives the terminal
// summary and error exactly once; the session and transaction use it to
// capture bookmarks and recycle the connection.
func newResultCursor(handler *wire.PullHandler, conn wire.Connection, fetchSize int64,
	onDone func(summary *meshdb.ResultSummary, err error)) (*resultCursor, error) {

	c := &resultCursor{
		handler:   handler,
		conn:      conn,
		fetchSize: fetchSize,
		signal:    make(chan struct{}, 1),
		onDone:    onDone,
	}
	// Summary first: the pull handler guarantees the summary consumer fires
	// before the end-of-stream sentinel, so when `done` is observed the
	// summary is already in place.
	err := handler.InstallSummaryConsumer(func(summary *meshdb.ResultSummary, err error) {
		c.mu.Lock()
		c.summary = summary
		if err != nil {
			c.err = err
		}
		c.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	err = handler.InstallRecordConsumer(func(record *meshdb.Record, err error) {
		c.mu.Lock()
		if record != nil {
			c.buffer = append(c.buffer, record)
			if c.outstanding > 0 {
				c.outstanding--
			}
			c.mu.Unlock()
			c.wake()
			return
		}
		summary, terminalErr := c.summary, c.err
		c.mu.Unlock()
		// Terminal side effects (bookmark capture, transaction termination,
		// connection recycling) must land before any waiter can observe the
		// end of the stream.
		c.fireDone(summary, terminalErr)
		c.mu.Lock()
		c.done = true
		c.mu.Unlock()
		c.wake()
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *resultCursor) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *resultCursor) fireDone(summary *meshdb.ResultSummary, err error) {
	c.doneOnce.Do(func() {
		if c.onDone != nil {
			c.onDone(summary, err)
		}
	})
}

func (c *resultCursor) Keys() []string {
	return c.handler.Keys()
}

// prefetch registers the initial demand, pipelining the first PULL behind the
// RUN message.
func (c *resultCursor) prefetch(ctx context.Context) error {
	return c.request(ctx, c.fetchSize)
}

func (c *resultCursor) request(ctx context.Context, n int64) error {
	c.mu.Lock()
	if n == meshdb.FetchAll {
		c.outstanding = math.MaxInt64
	} else {
		c.outstanding += n
	}
	c.mu.Unlock()
	return c.handler.Request(ctx, n)
}

// waitForRecord blocks until the buffer is non-empty or the stream is done.
// A context expiry terminates the connection: a half-delivered stream cannot
// be handed back to the pool.
func (c *resultCursor) waitForRecord(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.buffer) > 0 || c.done {
			c.mu.Unlock()
			return nil
		}
		needRequest := c.outstanding <= 0
		c.mu.Unlock()
		if needRequest {
			if err := c.request(ctx, c.fetchSize); err != nil {
				return err
			}
			continue
		}
		select {
		case <-c.signal:
		case <-ctx.Done():
			return c.interrupt(ctx.Err())
		}
	}
}

// interrupt fails the cursor locally and destroys the connection.
func (c *resultCursor) interrupt(cause error) error {
	err := &meshdb.ServiceUnavailableError{Inner: cause}
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return c.err
	}
	c.err = err
	c.summary = meshdb.NewSummary("", nil, map[string]any{})
	summary := c.summary
	c.mu.Unlock()
	c.conn.TerminateAndRelease(context.Background(), "result stream interrupted")
	c.fireDone(summary, err)
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
	c.wake()
	return err
}

func (c *resultCursor) Next(ctx context.Context) (*meshdb.Record, error) {
	if err := c.waitForRecord(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) > 0 {
		record := c.buffer[0]
		c.buffer = c.buffer[1:]
		return record, nil
	}
	return nil, c.err
}

func (c *resultCursor) Peek(ctx context.Context) (*meshdb.Record, error) {
	if err := c.waitForRecord(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) > 0 {
		return c.buffer[0], nil
	}
	return nil, c.err
}

func (c *resultCursor) List(ctx context.Context) ([]*meshdb.Record, error) {
	var records []*meshdb.Record
	for {
		record, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return records, nil
		}
		records = append(records, record)
	}
}

func (c *resultCursor) Single(ctx context.Context) (*meshdb.Record, error) {
	record, err := c.Next(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &meshdb.UsageError{Message: "expected exactly one record, the result is empty"}
	}
	extra, err := c.Peek(ctx)
	if err != nil {
		return nil, err
	}
	if extra != nil {
		if _, err := c.Consume(ctx); err != nil {
			return nil, err
		}
		return nil, &meshdb.UsageError{Message: "expected exactly one record, the result has more"}
	}
	return record, nil
}

func (c *resultCursor) Consume(ctx context.Context) (*meshdb.ResultSummary, error) {
	c.mu.Lock()
	finished := c.done
	c.mu.Unlock()
	if !finished {
		c.handler.Cancel(ctx)
		if err := c.waitForDone(ctx); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Consuming drops whatever was buffered.
	c.buffer = nil
	return c.summary, c.err
}

func (c *resultCursor) Stream(ctx context.Context) iter.Seq2[*meshdb.Record, error] {
	return func(yield func(*meshdb.Record, error) bool) {
		for {
			record, err := c.Next(ctx)
			if record == nil && err == nil {
				return
			}
			if !yield(record, err) || err != nil {
				return
			}
		}
	}
}

// waitForDone blocks until the stream reaches a terminal state.
func (c *resultCursor) waitForDone(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.done {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		select {
		case <-c.signal:
		case <-ctx.Done():
			return c.interrupt(ctx.Err())
		}
	}
}

// bufferAll pulls the remainder of the stream into the buffer and reports the
// latent stream error, if any. Used to drain unconsumed results before a
// commit/rollback and before a new auto-commit run.
func (c *resultCursor) bufferAll(ctx context.Context) error {
	c.mu.Lock()
	finished := c.done
	c.mu.Unlock()
	if !finished {
		if err := c.request(ctx, meshdb.FetchAll); err != nil {
			return err
		}
		if err := c.waitForDone(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// isDone reports whether the stream reached a terminal state; managed
// transaction functions may only return materialized results.
func (c *resultCursor) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// cursorRegistry tracks the cursors opened under one transaction so they can
// be drained before COMMIT/ROLLBACK.
type cursorRegistry struct {
	mu      sync.Mutex
	cursors []*resultCursor
}

func (r *cursorRegistry) add(c *resultCursor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = append(r.cursors, c)
}

// drain buffers every registered cursor and returns the first latent error.
func (r *cursorRegistry) drain(ctx context.Context) error {
	r.mu.Lock()
	cursors := make([]*resultCursor, len(r.cursors))
	copy(cursors, r.cursors)
	r.mu.Unlock()
	var first error
	for _, c := range cursors {
		if err := c.bufferAll(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
