package common

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/meshdb/meshdb-go"
	"github.com/meshdb/meshdb-go/wire"
)

// maxBackgroundReleases bounds the goroutines returning connections to the
// pool after transactions and auto-commit results complete.
const maxBackgroundReleases = 4

// session implements meshdb.Session on top of a ConnectionProvider. It owns
// at most one open connection and one open transaction at a time. Sessions
// are not safe for concurrent use; the lock only protects against the
// dispatch goroutine finishing streams in the background.
type session struct {
	mu        sync.Mutex
	config    meshdb.SessionConfig
	provider  wire.ConnectionProvider
	retry     meshdb.RetryLogic
	bookmarks *sessionBookmarks
	fetchSize int64
	logId     string

	tx         *transaction
	autocommit *resultCursor

	runner *meshdb.TaskRunner
	closed bool
}

// NewSession creates a session backed by provider. The zero SessionConfig
// gives a write-mode session on the default database with default fetch size
// and retry parameters.
func NewSession(provider wire.ConnectionProvider, config meshdb.SessionConfig) meshdb.Session {
	return NewSessionWithRetry(provider, config, meshdb.NewBackoffRetry(config.Retry))
}

// NewSessionWithRetry is NewSession with custom retry logic for managed
// transaction functions.
func NewSessionWithRetry(provider wire.ConnectionProvider, config meshdb.SessionConfig, retry meshdb.RetryLogic) meshdb.Session {
	fetchSize := int64(config.FetchSize)
	if config.FetchSize == meshdb.FetchDefault {
		fetchSize = meshdb.DefaultFetchSize
	}
	s := &session{
		config:    config,
		provider:  provider,
		retry:     retry,
		bookmarks: newSessionBookmarks(config.Bookmarks),
		fetchSize: fetchSize,
		logId:     meshdb.NewUUID().String(),
		runner:    meshdb.NewTaskRunner(context.Background(), maxBackgroundReleases),
	}
	log.Debug("session created", "session", s.logId, "mode", config.AccessMode.String())
	return s
}

func (s *session) txConfig(mode meshdb.AccessMode, configurers []func(*meshdb.TransactionConfig)) (wire.TxConfig, error) {
	config := meshdb.DefaultTransactionConfig()
	for _, c := range configurers {
		c(&config)
	}
	if err := meshdb.ValidateTransactionConfig(config); err != nil {
		return wire.TxConfig{}, err
	}
	return wire.TxConfig{
		Mode:         mode,
		Bookmarks:    s.bookmarks.get(),
		Timeout:      config.Timeout,
		Metadata:     config.Metadata,
		DatabaseName: s.config.DatabaseName,
	}, nil
}

func (s *session) acquire(ctx context.Context, mode meshdb.AccessMode) (wire.Connection, error) {
	return s.provider.Acquire(ctx, wire.AcquireRequest{
		Mode:         mode,
		DatabaseName: s.config.DatabaseName,
		Bookmarks:    s.bookmarks.get(),
	})
}

// recycle returns a connection in the background, or destroys it when the
// triggering error makes it unsafe to reuse.
func (s *session) recycle(conn wire.Connection, err error) {
	if conn == nil {
		return
	}
	if meshdb.NeedsTermination(err) {
		conn.TerminateAndRelease(context.Background(), err.Error())
		return
	}
	// Holding the lock through Go keeps the runner from racing the session's
	// final Wait.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Release(context.Background())
		return
	}
	s.runner.Go(func() error {
		if err := conn.Release(context.Background()); err != nil {
			log.Warn("connection release failed", "session", s.logId, "error", err)
		}
		return nil
	})
}

// completePendingResult drains a still-open auto-commit stream so no two
// streams ever overlap on one connection. A latent stream failure is captured
// on the cursor itself; a later consumer of that cursor observes it.
func (s *session) completePendingResult(ctx context.Context) {
	s.mu.Lock()
	pending := s.autocommit
	s.mu.Unlock()
	if pending == nil {
		return
	}
	if err := pending.bufferAll(ctx); err != nil {
		log.Debug("pending auto-commit stream failed while draining", "session", s.logId, "error", err)
	}
}

func (s *session) Run(ctx context.Context, query string, params map[string]any,
	configurers ...func(*meshdb.TransactionConfig)) (meshdb.ResultCursor, error) {

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &meshdb.UsageError{Message: "session is closed"}
	}
	if s.tx != nil {
		s.mu.Unlock()
		return nil, &meshdb.UsageError{Message: "trying to run an auto-commit query while an explicit transaction is open on this session"}
	}
	s.mu.Unlock()

	s.completePendingResult(ctx)

	config, err := s.txConfig(s.config.AccessMode, configurers)
	if err != nil {
		return nil, err
	}
	conn, err := s.acquire(ctx, s.config.AccessMode)
	if err != nil {
		return nil, err
	}

	handler := wire.NewPullHandler(conn, lastQid, query, params, false)
	var cursor *resultCursor
	cursor, err = newResultCursor(handler, conn, s.fetchSize, func(summary *meshdb.ResultSummary, err error) {
		if summary != nil {
			s.bookmarks.replace(summary.Bookmark)
		}
		s.mu.Lock()
		// A later Run may have installed its own cursor already; only clear
		// the slot if it is still ours.
		if s.autocommit == cursor {
			s.autocommit = nil
		}
		s.mu.Unlock()
		s.recycle(conn, err)
	})
	if err != nil {
		_ = conn.Release(ctx)
		return nil, err
	}

	reply := wire.NewReply()
	runMsg := wire.RunMessage{Query: query, Params: params, Config: config}
	if err := conn.Write(ctx, wire.Outgoing{Message: runMsg, Handler: reply}); err != nil {
		err = &meshdb.ServiceUnavailableError{Inner: err}
		s.recycle(conn, err)
		return nil, err
	}
	// Pipeline the first PULL behind the RUN.
	if err := cursor.prefetch(ctx); err != nil {
		s.recycle(conn, err)
		return nil, err
	}
	meta, err := reply.Await(ctx)
	if err != nil {
		s.recycle(conn, err)
		return nil, err
	}
	handler.SetKeys(keysFromMeta(meta))

	s.mu.Lock()
	s.autocommit = cursor
	s.mu.Unlock()
	return cursor, nil
}

func (s *session) BeginTransaction(ctx context.Context, configurers ...func(*meshdb.TransactionConfig)) (meshdb.Transaction, error) {
	tx, err := s.begin(ctx, s.config.AccessMode, configurers)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *session) begin(ctx context.Context, mode meshdb.AccessMode, configurers []func(*meshdb.TransactionConfig)) (*transaction, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &meshdb.UsageError{Message: "session is closed"}
	}
	if s.tx != nil {
		s.mu.Unlock()
		return nil, &meshdb.UsageError{Message: "session already has a pending transaction"}
	}
	s.mu.Unlock()

	s.completePendingResult(ctx)

	config, err := s.txConfig(mode, configurers)
	if err != nil {
		return nil, err
	}
	conn, err := s.acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	tx, err := beginTransaction(ctx, conn, config, s.fetchSize, func(bookmark string, conn wire.Connection, err error) {
		s.bookmarks.replace(bookmark)
		s.mu.Lock()
		s.tx = nil
		s.mu.Unlock()
		s.recycle(conn, err)
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
	return tx, nil
}

func (s *session) ExecuteRead(ctx context.Context, work meshdb.ManagedTransactionWork,
	configurers ...func(*meshdb.TransactionConfig)) (any, error) {
	return s.runRetriable(ctx, meshdb.ReadMode, work, configurers)
}

func (s *session) ExecuteWrite(ctx context.Context, work meshdb.ManagedTransactionWork,
	configurers ...func(*meshdb.TransactionConfig)) (any, error) {
	return s.runRetriable(ctx, meshdb.WriteMode, work, configurers)
}

// runRetriable retries the whole transactional body: begin, work, commit.
func (s *session) runRetriable(ctx context.Context, mode meshdb.AccessMode, work meshdb.ManagedTransactionWork,
	configurers []func(*meshdb.TransactionConfig)) (any, error) {

	return s.retry.Retry(ctx, func(ctx context.Context) (any, error) {
		tx, err := s.begin(ctx, mode, configurers)
		if err != nil {
			return nil, err
		}
		result, err := work(tx)
		if err != nil {
			_ = tx.Close(ctx)
			return nil, err
		}
		if cursor, ok := result.(*resultCursor); ok && !cursor.isDone() {
			_ = tx.Close(ctx)
			return nil, &meshdb.UsageError{Message: "the transaction function returned a live result cursor; results must be consumed before the function returns"}
		}
		// The work function may have closed the transaction itself.
		if tx.IsOpen() {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
		} else {
			_ = tx.Close(ctx)
		}
		return result, nil
	})
}

func (s *session) LastBookmarks() meshdb.Bookmarks {
	return s.bookmarks.get()
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	tx := s.tx
	pending := s.autocommit
	s.mu.Unlock()

	var txErr error
	if tx != nil {
		txErr = tx.Close(ctx)
	}
	if pending != nil {
		if _, err := pending.Consume(ctx); err != nil {
			log.Debug("pending result discarded with error on session close", "session", s.logId, "error", err)
		}
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if err := s.runner.Wait(); err != nil {
		log.Warn("background cleanup failed", "session", s.logId, "error", err)
	}
	log.Debug("session closed", "session", s.logId)
	return txErr
}
