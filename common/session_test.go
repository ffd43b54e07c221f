package common

import (
	"errors"
	"strings"
	"testing"

	"github.com/meshdb/meshdb-go"
	"github.com/meshdb/meshdb-go/mocks"
)

func Test_Session_Run_StreamsInFetchSizeBatches(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("RETURN n", &mocks.Result{Keys: []string{"n"}, Records: rows(5)})
	s, provider := newTestSession(t, server, meshdb.SessionConfig{FetchSize: 2})

	cursor, err := s.Run(ctx, "RETURN n", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	records, err := cursor.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	for i, record := range records {
		if record.Values[0] != i+1 {
			t.Errorf("record %d out of order: %v", i, record.Values[0])
		}
	}

	_, runs, pulls, _, _, _, _ := server.Counts()
	if runs != 1 {
		t.Errorf("expected 1 run, got %d", runs)
	}
	// 5 records in batches of 2.
	if pulls != 3 {
		t.Errorf("expected 3 pulls, got %d", pulls)
	}

	conn := provider.Acquired()[0]
	conn.Drain()
	if !conn.Released() {
		t.Error("connection not returned after the stream completed")
	}
	if got := s.LastBookmarks(); len(got) != 1 || got[0] != server.Bookmark {
		t.Errorf("bookmark not captured from completed stream: %v", got)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func Test_Session_Run_ConsumeDiscardsRemainder(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("RETURN n", &mocks.Result{Keys: []string{"n"}, Records: rows(5)})
	s, provider := newTestSession(t, server, meshdb.SessionConfig{FetchSize: 2})

	cursor, err := s.Run(ctx, "RETURN n", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	summary, err := cursor.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if summary == nil || summary.Bookmark != server.Bookmark {
		t.Fatalf("summary missing bookmark: %+v", summary)
	}
	if record, _ := cursor.Next(ctx); record != nil {
		t.Error("records still flowing after Consume")
	}

	_, _, pulls, discards, _, _, _ := server.Counts()
	if pulls != 1 {
		t.Errorf("expected only the prefetch pull, got %d", pulls)
	}
	if discards != 1 {
		t.Errorf("expected 1 discard, got %d", discards)
	}
	provider.Acquired()[0].Drain()
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func Test_Session_Run_Single(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("one", &mocks.Result{Keys: []string{"n"}, Records: rows(1)})
	server.Stub("many", &mocks.Result{Keys: []string{"n"}, Records: rows(3)})
	server.Stub("none", &mocks.Result{Keys: []string{"n"}})
	s, _ := newTestSession(t, server, meshdb.SessionConfig{FetchSize: 2})

	cursor, err := s.Run(ctx, "one", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	record, err := cursor.Single(ctx)
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if record.Values[0] != 1 {
		t.Fatalf("unexpected record: %v", record.Values)
	}

	cursor, err = s.Run(ctx, "many", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, err = cursor.Single(ctx)
	assertUsageError(t, err)

	cursor, err = s.Run(ctx, "none", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, err = cursor.Single(ctx)
	assertUsageError(t, err)
	_ = s.Close(ctx)
}

func Test_Session_Run_DrainsPendingResultBeforeNextRun(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("first", &mocks.Result{Keys: []string{"n"}, Records: rows(5)})
	server.Stub("second", &mocks.Result{Keys: []string{"n"}, Records: rows(1)})
	s, provider := newTestSession(t, server, meshdb.SessionConfig{FetchSize: 2})

	first, err := s.Run(ctx, "first", nil)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := s.Run(ctx, "second", nil)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	// The first stream was buffered before the second started; its records
	// stay available.
	records, err := first.List(ctx)
	if err != nil {
		t.Fatalf("List on drained cursor: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("drained cursor lost records: %d", len(records))
	}
	if _, err := second.List(ctx); err != nil {
		t.Fatalf("List on second cursor: %v", err)
	}

	conns := provider.Acquired()
	if len(conns) != 2 {
		t.Fatalf("expected one connection per auto-commit run, got %d", len(conns))
	}
	conns[0].Drain()
	if !conns[0].Released() {
		t.Error("first connection not returned after draining")
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// Completing an old stream must never clear the tracking of a newer one: a
// chain of unconsumed runs keeps exactly the latest cursor pending, and each
// predecessor ends up fully buffered.
func Test_Session_Run_TracksLatestPendingResult(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("first", &mocks.Result{Keys: []string{"n"}, Records: rows(5)})
	server.Stub("second", &mocks.Result{Keys: []string{"n"}, Records: rows(5)})
	server.Stub("third", &mocks.Result{Keys: []string{"n"}, Records: rows(1)})
	s, provider := newTestSession(t, server, meshdb.SessionConfig{FetchSize: 2})

	first, err := s.Run(ctx, "first", nil)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := s.Run(ctx, "second", nil)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	third, err := s.Run(ctx, "third", nil)
	if err != nil {
		t.Fatalf("third Run: %v", err)
	}

	// The third run drained the second stream; if the session had lost track
	// of it when the first stream completed, these records would be stuck
	// behind an untracked cursor.
	if !second.(*resultCursor).isDone() {
		t.Fatal("second stream not drained before the third run")
	}
	records, err := second.List(ctx)
	if err != nil {
		t.Fatalf("List on drained second cursor: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("drained second cursor lost records: %d", len(records))
	}
	if _, err := first.List(ctx); err != nil {
		t.Fatalf("List on drained first cursor: %v", err)
	}
	if _, err := third.List(ctx); err != nil {
		t.Fatalf("List on third cursor: %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
	for i, conn := range provider.Acquired() {
		conn.Drain()
		if !conn.Released() {
			t.Errorf("connection %d not returned after its stream completed", i)
		}
	}
}

func Test_Session_Run_ForwardsInitialBookmarks(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("RETURN 1", &mocks.Result{Keys: []string{"n"}, Records: rows(1)})
	initial := meshdb.Bookmarks{"bm:seed:1", "bm:seed:2"}
	s, provider := newTestSession(t, server, meshdb.SessionConfig{Bookmarks: initial, FetchSize: 2})

	if _, err := s.Run(ctx, "RETURN 1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	requests := provider.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected 1 acquire, got %d", len(requests))
	}
	if len(requests[0].Bookmarks) != 2 || requests[0].Bookmarks[0] != "bm:seed:1" {
		t.Errorf("initial bookmarks not forwarded: %v", requests[0].Bookmarks)
	}
	_ = s.Close(ctx)
}

func Test_Session_Run_GuardsAgainstOpenTransaction(t *testing.T) {
	server := mocks.NewServer()
	s, _ := newTestSession(t, server, meshdb.SessionConfig{})

	tx, err := s.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	_, err = s.Run(ctx, "RETURN 1", nil)
	assertUsageError(t, err)
	_, err = s.BeginTransaction(ctx)
	assertUsageError(t, err)

	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func Test_Session_Run_OnClosedSession(t *testing.T) {
	server := mocks.NewServer()
	s, _ := newTestSession(t, server, meshdb.SessionConfig{})

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := s.Run(ctx, "RETURN 1", nil)
	assertUsageError(t, err)
	_, err = s.BeginTransaction(ctx)
	assertUsageError(t, err)
	if err := s.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func Test_Session_Run_QueryFailureReleasesConnection(t *testing.T) {
	server := mocks.NewServer()
	boom := &meshdb.ServerError{Code: "Mesh.ClientError.Statement.SyntaxError", Message: "bad query"}
	server.Stub("BROKEN", &mocks.Result{RunErr: boom})
	s, provider := newTestSession(t, server, meshdb.SessionConfig{})

	_, err := s.Run(ctx, "BROKEN", nil)
	var serverErr *meshdb.ServerError
	if !errors.As(err, &serverErr) || serverErr != boom {
		t.Fatalf("query failure not surfaced: %v", err)
	}
	conn := provider.Acquired()[0]
	conn.Drain()
	if !conn.Released() || conn.Terminated() {
		t.Error("syntax failures must release the connection, not destroy it")
	}
	_ = s.Close(ctx)
}

func Test_Session_ExecuteWrite_RetriesTransientFailures(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("CREATE (n) RETURN id(n)", &mocks.Result{Keys: []string{"id"}, Records: [][]any{{42}}})
	s, _ := newTestSession(t, server, meshdb.SessionConfig{FetchSize: 2})

	attempts := 0
	result, err := s.ExecuteWrite(ctx, func(tx meshdb.Transaction) (any, error) {
		attempts++
		if attempts <= 2 {
			return nil, &meshdb.ServerError{Code: "Mesh.TransientError.General.OutOfMemory", Message: "try later"}
		}
		cursor, err := tx.Run(ctx, "CREATE (n) RETURN id(n)", nil)
		if err != nil {
			return nil, err
		}
		records, err := cursor.List(ctx)
		if err != nil {
			return nil, err
		}
		return records[0].Values[0], nil
	})
	if err != nil {
		t.Fatalf("ExecuteWrite: %v", err)
	}
	if result != 42 {
		t.Fatalf("unexpected result: %v", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	begins, _, _, _, commits, rollbacks, _ := server.Counts()
	if begins != 3 || rollbacks != 2 || commits != 1 {
		t.Errorf("unexpected wire traffic: begins=%d rollbacks=%d commits=%d", begins, rollbacks, commits)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func Test_Session_ExecuteWrite_PropagatesNonRetryable(t *testing.T) {
	server := mocks.NewServer()
	s, _ := newTestSession(t, server, meshdb.SessionConfig{})

	boom := &meshdb.UsageError{Message: "application bug"}
	attempts := 0
	_, err := s.ExecuteWrite(ctx, func(tx meshdb.Transaction) (any, error) {
		attempts++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("application error identity lost: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-retryable failure retried %d times", attempts)
	}
	begins, _, _, _, commits, rollbacks, _ := server.Counts()
	if begins != 1 || rollbacks != 1 || commits != 0 {
		t.Errorf("unexpected wire traffic: begins=%d rollbacks=%d commits=%d", begins, rollbacks, commits)
	}
	_ = s.Close(ctx)
}

func Test_Session_ExecuteWrite_RejectsLiveCursor(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("RETURN n", &mocks.Result{Keys: []string{"n"}, Records: rows(5)})
	s, _ := newTestSession(t, server, meshdb.SessionConfig{FetchSize: 2})

	_, err := s.ExecuteWrite(ctx, func(tx meshdb.Transaction) (any, error) {
		return tx.Run(ctx, "RETURN n", nil)
	})
	usageErr := assertUsageError(t, err)
	if !strings.Contains(usageErr.Message, "live result cursor") {
		t.Fatalf("unexpected message: %s", usageErr.Message)
	}
	_, _, _, _, commits, rollbacks, _ := server.Counts()
	if commits != 0 || rollbacks != 1 {
		t.Errorf("live cursor must roll back: commits=%d rollbacks=%d", commits, rollbacks)
	}
	_ = s.Close(ctx)
}

func Test_Session_ExecuteRead_UsesReadMode(t *testing.T) {
	server := mocks.NewServer()
	server.Stub("MATCH (n) RETURN n", &mocks.Result{Keys: []string{"n"}, Records: rows(1)})
	s, provider := newTestSession(t, server, meshdb.SessionConfig{AccessMode: meshdb.WriteMode, FetchSize: 2})

	_, err := s.ExecuteRead(ctx, func(tx meshdb.Transaction) (any, error) {
		cursor, err := tx.Run(ctx, "MATCH (n) RETURN n", nil)
		if err != nil {
			return nil, err
		}
		return cursor.List(ctx)
	})
	if err != nil {
		t.Fatalf("ExecuteRead: %v", err)
	}
	if provider.Requests()[0].Mode != meshdb.ReadMode {
		t.Error("read work must acquire in read mode regardless of session mode")
	}
	_ = s.Close(ctx)
}

func Test_Session_Close_RollsBackOpenTransaction(t *testing.T) {
	server := mocks.NewServer()
	s, _ := newTestSession(t, server, meshdb.SessionConfig{})

	if _, err := s.BeginTransaction(ctx); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, _, _, _, commits, rollbacks, _ := server.Counts()
	if commits != 0 || rollbacks != 1 {
		t.Errorf("open transaction not rolled back on close: commits=%d rollbacks=%d", commits, rollbacks)
	}
}
