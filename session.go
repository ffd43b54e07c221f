package meshdb

import (
	"context"
	"iter"
)

// ManagedTransactionWork is a unit of work executed inside a managed
// transaction by ExecuteRead/ExecuteWrite. It may run several times when the
// retry logic classifies a failure as transient, so it must be idempotent.
// Results must be consumed before returning; returning the live cursor is a
// usage error because the underlying connection is recycled on return.
type ManagedTransactionWork func(tx Transaction) (any, error)

// Session is a logical sequence of work against the database. It owns at most
// one open connection and one open transaction at a time, and carries causal
// bookmarks from each completed transaction to the next. Sessions are not safe
// for concurrent use.
type Session interface {
	// Run executes a query in an auto-commit transaction and returns a cursor
	// streaming its result. A previous unconsumed result is drained first so
	// no two streams overlap on one connection.
	Run(ctx context.Context, query string, params map[string]any, configurers ...func(*TransactionConfig)) (ResultCursor, error)
	// BeginTransaction starts an explicit transaction. Fails with a
	// UsageError while another transaction is open on this session.
	BeginTransaction(ctx context.Context, configurers ...func(*TransactionConfig)) (Transaction, error)
	// ExecuteRead runs work in a read-mode managed transaction with retry.
	ExecuteRead(ctx context.Context, work ManagedTransactionWork, configurers ...func(*TransactionConfig)) (any, error)
	// ExecuteWrite runs work in a write-mode managed transaction with retry.
	ExecuteWrite(ctx context.Context, work ManagedTransactionWork, configurers ...func(*TransactionConfig)) (any, error)
	// LastBookmarks returns the bookmarks received from the last completed
	// transaction, or the initial bookmarks when none completed yet.
	LastBookmarks() Bookmarks
	// Close releases all session resources. Idempotent.
	Close(ctx context.Context) error
}

// Transaction is an explicit transaction. It owns its connection from begin
// until close.
type Transaction interface {
	// Run executes a query within the transaction.
	Run(ctx context.Context, query string, params map[string]any) (ResultCursor, error)
	// Commit commits. Calling it again replays the first outcome; calling it
	// after Rollback (or on a terminated transaction) fails without sending
	// anything on the wire.
	Commit(ctx context.Context) error
	// Rollback rolls back. On an already terminated transaction this is a
	// successful no-op, the server has discarded the transaction already.
	Rollback(ctx context.Context) error
	// Close rolls back when still open, otherwise does nothing.
	Close(ctx context.Context) error
	// IsOpen reports whether the transaction is still active.
	IsOpen() bool
}

// ResultCursor navigates a streamed query result. Records are fetched from
// the server in batches of the session's fetch size; the summary is available
// once the stream completes.
type ResultCursor interface {
	// Keys returns the column names of the result.
	Keys() []string
	// Next returns the next record, or nil at end of stream.
	Next(ctx context.Context) (*Record, error)
	// Peek returns the next record without consuming it, or nil at end.
	Peek(ctx context.Context) (*Record, error)
	// List fetches and returns all remaining records.
	List(ctx context.Context) ([]*Record, error)
	// Single returns the one and only record of the result. Zero or more
	// than one remaining record is a UsageError; the stream is consumed
	// either way.
	Single(ctx context.Context) (*Record, error)
	// Consume discards remaining records and returns the summary.
	Consume(ctx context.Context) (*ResultSummary, error)
	// Stream iterates the remaining records. Iteration stops at end of
	// stream or on the first error.
	Stream(ctx context.Context) iter.Seq2[*Record, error]
}
