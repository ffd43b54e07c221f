package common

import (
	"context"
	"sync"

	"github.com/meshdb/meshdb-go"
	"github.com/meshdb/meshdb-go/wire"
)

// txState is the transaction lifecycle state set.
type txState int

const (
	// txActive: begun, accepts runs and a close.
	txActive txState = iota
	// txTerminated: failed or explicitly terminated; the server has already
	// rolled the transaction back.
	txTerminated
	// txCommitted / txRolledBack: closed. Terminal.
	txCommitted
	txRolledBack
)

// txOutcome is the pending/completed result of one wire-level close
// operation. Repeated calls to the same operation await the same outcome, so
// a COMMIT or ROLLBACK goes on the wire at most once.
type txOutcome struct {
	done chan struct{}
	err  error
}

func newTxOutcome() *txOutcome {
	return &txOutcome{done: make(chan struct{})}
}

func (o *txOutcome) complete(err error) {
	o.err = err
	close(o.done)
}

func (o *txOutcome) await(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return &meshdb.ServiceUnavailableError{Inner: ctx.Err()}
	}
}

// transaction owns one connection from BEGIN until close. It implements
// meshdb.Transaction.
type transaction struct {
	mu            sync.Mutex
	state         txState
	terminatedErr error

	conn      wire.Connection
	config    wire.TxConfig
	fetchSize int64
	cursors   cursorRegistry

	commitOutcome   *txOutcome
	rollbackOutcome *txOutcome
	resetOutcome    *txOutcome

	// onClosed hands the connection and the commit bookmark back to the
	// owning session. err classifies release vs terminate.
	onClosed   func(bookmark string, conn wire.Connection, err error)
	closedOnce sync.Once
}

// beginTransaction sends BEGIN on a freshly acquired connection. On failure
// the connection is recycled here: terminated when the error class makes it
// unsafe to reuse, released otherwise.
func beginTransaction(ctx context.Context, conn wire.Connection, config wire.TxConfig, fetchSize int64,
	onClosed func(bookmark string, conn wire.Connection, err error)) (*transaction, error) {

	reply := wire.NewReply()
	err := conn.WriteAndFlush(ctx, wire.Outgoing{Message: wire.BeginMessage{Config: config}, Handler: reply})
	if err == nil {
		_, err = reply.Await(ctx)
	}
	if err != nil {
		if meshdb.NeedsTermination(err) {
			conn.TerminateAndRelease(ctx, "begin failed: "+err.Error())
		} else {
			_ = conn.Release(ctx)
		}
		return nil, err
	}
	return &transaction{
		conn:      conn,
		config:    config,
		fetchSize: fetchSize,
		onClosed:  onClosed,
	}, nil
}

// Run executes a query inside the transaction and returns its streaming
// cursor. The cursor is registered so an unconsumed stream gets drained
// before the transaction closes.
func (tx *transaction) Run(ctx context.Context, query string, params map[string]any) (meshdb.ResultCursor, error) {
	tx.mu.Lock()
	switch tx.state {
	case txTerminated:
		cause := tx.terminatedErr
		tx.mu.Unlock()
		return nil, &meshdb.UsageError{
			Message: "cannot run query in this transaction, because it has been terminated",
			Cause:   cause,
		}
	case txCommitted:
		tx.mu.Unlock()
		return nil, &meshdb.UsageError{Message: "cannot run query in this transaction, because it has already been committed"}
	case txRolledBack:
		tx.mu.Unlock()
		return nil, &meshdb.UsageError{Message: "cannot run query in this transaction, because it has already been rolled back"}
	}
	conn := tx.conn
	fetchSize := tx.fetchSize
	tx.mu.Unlock()

	handler := wire.NewPullHandler(conn, lastQid, query, params, false)
	cursor, err := newResultCursor(handler, conn, fetchSize, func(_ *meshdb.ResultSummary, err error) {
		if err != nil {
			// The stream failure has rolled the transaction back server-side.
			tx.markTerminated(err)
		}
	})
	if err != nil {
		return nil, err
	}

	reply := wire.NewReply()
	runMsg := wire.RunMessage{Query: query, Params: params}
	if err := conn.Write(ctx, wire.Outgoing{Message: runMsg, Handler: reply}); err != nil {
		err = &meshdb.ServiceUnavailableError{Inner: err}
		tx.markTerminated(err)
		return nil, err
	}
	// Pipeline the first PULL behind the RUN.
	if err := cursor.prefetch(ctx); err != nil {
		return nil, err
	}
	meta, err := reply.Await(ctx)
	if err != nil {
		tx.markTerminated(err)
		return nil, err
	}
	handler.SetKeys(keysFromMeta(meta))
	tx.cursors.add(cursor)
	return cursor, nil
}

// lastQid addresses the most recent result on the connection; the engine
// never interleaves streams, so explicit result ids are not needed.
const lastQid int64 = -1

func keysFromMeta(meta map[string]any) []string {
	switch fields := meta["fields"].(type) {
	case []string:
		return fields
	case []any:
		keys := make([]string, 0, len(fields))
		for _, f := range fields {
			if s, ok := f.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}

func (tx *transaction) Commit(ctx context.Context) error {
	return tx.close(ctx, true)
}

func (tx *transaction) Rollback(ctx context.Context) error {
	return tx.close(ctx, false)
}

// close is the single routine behind Commit and Rollback. The two outcome
// slots give mutual exclusion: repeating the same operation replays its
// outcome, requesting the opposite one fails without any wire traffic.
func (tx *transaction) close(ctx context.Context, commit bool) error {
	tx.mu.Lock()
	if commit && tx.commitOutcome != nil {
		outcome := tx.commitOutcome
		tx.mu.Unlock()
		return outcome.await(ctx)
	}
	if !commit && tx.rollbackOutcome != nil {
		outcome := tx.rollbackOutcome
		tx.mu.Unlock()
		return outcome.await(ctx)
	}
	if commit && tx.rollbackOutcome != nil {
		tx.mu.Unlock()
		return &meshdb.UsageError{Message: "transaction can't be committed, because it has already been rolled back"}
	}
	if !commit && tx.commitOutcome != nil {
		tx.mu.Unlock()
		return &meshdb.UsageError{Message: "transaction can't be rolled back, because it has already been committed"}
	}
	if tx.state == txTerminated {
		return tx.closeTerminatedLocked(ctx, commit)
	}
	tx.mu.Unlock()

	// Surface latent stream errors before deciding anything: a failed cursor
	// has already terminated the transaction server-side.
	latent := tx.cursors.drain(ctx)

	tx.mu.Lock()
	// Re-check after the drain: a concurrent close may have claimed a slot.
	if commit && tx.commitOutcome != nil {
		outcome := tx.commitOutcome
		tx.mu.Unlock()
		return outcome.await(ctx)
	}
	if !commit && tx.rollbackOutcome != nil {
		outcome := tx.rollbackOutcome
		tx.mu.Unlock()
		return outcome.await(ctx)
	}
	if (commit && tx.rollbackOutcome != nil) || (!commit && tx.commitOutcome != nil) {
		tx.mu.Unlock()
		if commit {
			return &meshdb.UsageError{Message: "transaction can't be committed, because it has already been rolled back"}
		}
		return &meshdb.UsageError{Message: "transaction can't be rolled back, because it has already been committed"}
	}
	if tx.state == txTerminated {
		return tx.closeTerminatedLocked(ctx, commit)
	}
	outcome := newTxOutcome()
	var msg wire.Message
	if commit {
		tx.commitOutcome = outcome
		msg = wire.CommitMessage{}
	} else {
		tx.rollbackOutcome = outcome
		msg = wire.RollbackMessage{}
	}
	conn := tx.conn
	tx.mu.Unlock()

	reply := wire.NewReply()
	var meta map[string]any
	err := conn.WriteAndFlush(ctx, wire.Outgoing{Message: msg, Handler: reply})
	if err != nil {
		err = &meshdb.ServiceUnavailableError{Inner: err}
	} else {
		meta, err = reply.Await(ctx)
	}
	// A cursor error and a close error merge instead of shadowing each other.
	err = meshdb.AddSuppressed(err, latent)

	var bookmark string
	tx.mu.Lock()
	if err == nil && commit {
		tx.state = txCommitted
		if b, ok := meta["bookmark"].(string); ok {
			bookmark = b
		}
	} else {
		tx.state = txRolledBack
	}
	tx.mu.Unlock()

	outcome.complete(err)
	tx.finish(bookmark, err)
	return err
}

// closeTerminatedLocked handles commit/rollback on a terminated transaction:
// commit fails unconditionally, rollback is a successful no-op since the
// server already discarded the transaction. Caller holds the lock; it is
// released here.
func (tx *transaction) closeTerminatedLocked(ctx context.Context, commit bool) error {
	if commit {
		cause := tx.terminatedErr
		tx.mu.Unlock()
		return &meshdb.UsageError{
			Message: "transaction can't be committed, because it has been rolled back either because of an error or explicit termination",
			Cause:   cause,
		}
	}
	tx.state = txRolledBack
	outcome := newTxOutcome()
	outcome.complete(nil)
	tx.rollbackOutcome = outcome
	cause := tx.terminatedErr
	tx.mu.Unlock()
	tx.finish("", cause)
	return nil
}

// finish hands the connection back exactly once.
func (tx *transaction) finish(bookmark string, err error) {
	tx.closedOnce.Do(func() {
		tx.mu.Lock()
		conn := tx.conn
		tx.conn = nil
		tx.mu.Unlock()
		if tx.onClosed != nil {
			tx.onClosed(bookmark, conn, err)
		}
	})
}

// markTerminated moves an active transaction to the terminated state,
// recording the cause. Further causes merge in as suppressed errors, compared
// by identity so re-reporting the same error object never duplicates.
func (tx *transaction) markTerminated(cause error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.state {
	case txActive:
		tx.state = txTerminated
		tx.terminatedErr = cause
	case txTerminated:
		if cause != nil {
			tx.terminatedErr = meshdb.AddSuppressed(tx.terminatedErr, cause)
		}
	}
}

// Interrupt terminates the transaction without a cause and forces the
// connection back to a clean state with a single RESET, shared by every
// caller: used when a blocked caller gives up mid-wait.
func (tx *transaction) Interrupt(ctx context.Context) error {
	tx.markTerminated(nil)
	tx.mu.Lock()
	outcome := tx.resetOutcome
	created := false
	var conn wire.Connection
	if outcome == nil {
		outcome = newTxOutcome()
		tx.resetOutcome = outcome
		conn = tx.conn
		created = true
	}
	tx.mu.Unlock()
	if created {
		if conn == nil {
			// Connection already handed back; nothing to reset.
			outcome.complete(nil)
		} else {
			reply := wire.NewReply()
			err := conn.WriteAndFlush(ctx, wire.Outgoing{Message: wire.ResetMessage{}, Handler: reply})
			if err == nil {
				_, err = reply.Await(ctx)
			}
			outcome.complete(err)
		}
	}
	return outcome.await(ctx)
}

func (tx *transaction) IsOpen() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == txActive
}

// Close rolls back when the transaction can still be rolled back, otherwise
// does nothing. Idempotent.
func (tx *transaction) Close(ctx context.Context) error {
	tx.mu.Lock()
	state := tx.state
	tx.mu.Unlock()
	if state == txCommitted || state == txRolledBack {
		return nil
	}
	return tx.Rollback(ctx)
}
