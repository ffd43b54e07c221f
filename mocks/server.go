package mocks

import (
	"fmt"
	"sync"

	"github.com/meshdb/meshdb-go"
	"github.com/meshdb/meshdb-go/wire"
)

// Result scripts the server's answer to one query.
type Result struct {
	Keys    []string
	Records [][]any
	// RunErr fails the RUN itself.
	RunErr error
	// FailAtBatch fails the stream on the n-th PULL (1-based) with FailErr
	// instead of sending records.
	FailAtBatch int
	FailErr     error
}

// Server is a scripted in-memory server shared by the connections of one
// test. It keeps one current stream, which is exactly what the runtime
// guarantees: a new RUN is never issued while a previous result is
// unconsumed on the connection.
type Server struct {
	mu      sync.Mutex
	results map[string]*Result

	// Bookmark is minted on COMMIT and on completed auto-commit streams.
	Bookmark string

	beginErr  error
	commitErr error

	stream *streamState

	begins    int
	commits   int
	rollbacks int
	resets    int
	runs      int
	pulls     int
	discards  int

	inTx bool
}

type streamState struct {
	result *Result
	pos    int
	pulls  int
	// autocommit streams carry the bookmark on their final success.
	autocommit bool
}

func NewServer() *Server {
	return &Server{results: map[string]*Result{}, Bookmark: "bm:mock:1"}
}

// Stub scripts the result of query.
func (s *Server) Stub(query string, result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[query] = result
}

// FailBegin makes the next BEGIN fail with err.
func (s *Server) FailBegin(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginErr = err
}

// FailCommit makes every COMMIT fail with err until cleared with nil.
func (s *Server) FailCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// Respond implements Responder.
func (s *Server) Respond(msg wire.Message) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m := msg.(type) {
	case wire.BeginMessage:
		s.begins++
		if s.beginErr != nil {
			err := s.beginErr
			s.beginErr = nil
			return Response{Err: err}
		}
		s.inTx = true
		return Response{}
	case wire.RunMessage:
		return s.run(m)
	case wire.PullMessage:
		s.pulls++
		return s.pull(m.N)
	case wire.DiscardMessage:
		s.discards++
		return s.discard()
	case wire.CommitMessage:
		s.commits++
		s.inTx = false
		if s.commitErr != nil {
			return Response{Err: s.commitErr}
		}
		return Response{Meta: map[string]any{"bookmark": s.Bookmark}}
	case wire.RollbackMessage:
		s.rollbacks++
		s.inTx = false
		return Response{}
	case wire.ResetMessage:
		s.resets++
		s.inTx = false
		s.stream = nil
		return Response{}
	}
	return Response{Err: fmt.Errorf("unexpected message %T", msg)}
}

func (s *Server) run(m wire.RunMessage) Response {
	s.runs++
	result, ok := s.results[m.Query]
	if !ok {
		result = &Result{}
	}
	if result.RunErr != nil {
		return Response{Err: result.RunErr}
	}
	s.stream = &streamState{result: result, autocommit: !s.inTx}
	return Response{Meta: map[string]any{
		"fields": result.Keys,
		"qid":    int64(0),
	}}
}

func (s *Server) pull(n int64) Response {
	stream := s.stream
	if stream == nil {
		return Response{Err: &meshdb.ServerError{
			Code:    "Mesh.ClientError.Request.Invalid",
			Message: "PULL with no open stream",
		}}
	}
	stream.pulls++
	if stream.result.FailAtBatch > 0 && stream.pulls >= stream.result.FailAtBatch {
		s.stream = nil
		s.inTx = false
		return Response{Err: stream.result.FailErr}
	}
	remaining := len(stream.result.Records) - stream.pos
	count := remaining
	if n != meshdb.FetchAll && int(n) < remaining {
		count = int(n)
	}
	records := stream.result.Records[stream.pos : stream.pos+count]
	stream.pos += count
	if stream.pos < len(stream.result.Records) {
		return Response{Records: records, Meta: map[string]any{"has_more": true}}
	}
	meta := map[string]any{"has_more": false}
	if stream.autocommit {
		meta["bookmark"] = s.Bookmark
	}
	s.stream = nil
	return Response{Records: records, Meta: meta}
}

func (s *Server) discard() Response {
	stream := s.stream
	s.stream = nil
	meta := map[string]any{"has_more": false}
	if stream != nil && stream.autocommit {
		meta["bookmark"] = s.Bookmark
	}
	return Response{Meta: meta}
}

// Counts returns how many messages of each kind the server has seen.
func (s *Server) Counts() (begins, runs, pulls, discards, commits, rollbacks, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins, s.runs, s.pulls, s.discards, s.commits, s.rollbacks, s.resets
}
