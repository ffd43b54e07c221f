package wire

import (
	"context"
	"sync"
	"time"

	"github.com/meshdb/meshdb-go"
)

// Message is a protocol request. The set is closed; encoding to bytes happens
// outside this module.
type Message interface {
	message()
}

// TxConfig is the transaction context attached to BEGIN and to auto-commit
// RUN messages. The core forwards it verbatim; the server interprets it.
type TxConfig struct {
	Mode         meshdb.AccessMode
	Bookmarks    meshdb.Bookmarks
	Timeout      time.Duration
	Metadata     map[string]any
	DatabaseName string
}

// ToMeta renders the config into protocol metadata, omitting defaults.
func (c TxConfig) ToMeta() map[string]any {
	meta := map[string]any{}
	if c.Mode == meshdb.ReadMode {
		meta["mode"] = c.Mode.String()
	}
	if len(c.Bookmarks) > 0 {
		meta["bookmarks"] = []string(c.Bookmarks)
	}
	if c.Timeout != meshdb.TimeoutUnset {
		ms := c.Timeout.Milliseconds()
		if c.Timeout.Nanoseconds()%int64(time.Millisecond) > 0 {
			// Round fractional milliseconds up; the protocol carries whole ms.
			ms++
		}
		meta["tx_timeout"] = ms
	}
	if len(c.Metadata) > 0 {
		meta["tx_metadata"] = c.Metadata
	}
	if c.DatabaseName != "" {
		meta["db"] = c.DatabaseName
	}
	return meta
}

// BeginMessage opens an explicit transaction.
type BeginMessage struct {
	Config TxConfig
}

// RunMessage executes a query, inside an explicit transaction when one is
// open on the connection, otherwise auto-commit with the embedded config.
type RunMessage struct {
	Query  string
	Params map[string]any
	Config TxConfig
}

// PullMessage requests up to N records of the result identified by Qid.
// N == meshdb.FetchAll requests the remainder of the stream.
type PullMessage struct {
	N   int64
	Qid int64
}

// DiscardMessage asks the server to drop up to N remaining records without
// sending them.
type DiscardMessage struct {
	N   int64
	Qid int64
}

// CommitMessage commits the open explicit transaction.
type CommitMessage struct{}

// RollbackMessage rolls the open explicit transaction back.
type RollbackMessage struct{}

// ResetMessage forces the connection back to a clean state, aborting whatever
// is in flight.
type ResetMessage struct{}

func (BeginMessage) message()    {}
func (RunMessage) message()      {}
func (PullMessage) message()     {}
func (DiscardMessage) message()  {}
func (CommitMessage) message()   {}
func (RollbackMessage) message() {}
func (ResetMessage) message()    {}

// ResponseHandler receives the responses paired with one written message:
// zero or more records, then exactly one terminal success or failure.
type ResponseHandler interface {
	OnRecord(values []any)
	OnSuccess(meta map[string]any)
	OnFailure(err error)
}

// Reply is a one-shot ResponseHandler for messages that answer with a single
// SUCCESS or FAILURE (BEGIN, COMMIT, ROLLBACK, RESET, and the RUN header).
// The first terminal response wins; later ones are ignored.
type Reply struct {
	once sync.Once
	done chan struct{}
	meta map[string]any
	err  error
}

func NewReply() *Reply {
	return &Reply{done: make(chan struct{})}
}

func (r *Reply) OnRecord(values []any) {
	// Records never answer the message kinds a Reply is paired with.
}

func (r *Reply) OnSuccess(meta map[string]any) {
	r.once.Do(func() {
		r.meta = meta
		close(r.done)
	})
}

func (r *Reply) OnFailure(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Await blocks until the terminal response arrives or the context is done.
// A context expiry is surfaced as a ServiceUnavailableError wrapping the
// context error; the caller must terminate the connection in that case since
// the response may still arrive later.
func (r *Reply) Await(ctx context.Context) (map[string]any, error) {
	select {
	case <-r.done:
		return r.meta, r.err
	case <-ctx.Done():
		return nil, &meshdb.ServiceUnavailableError{Inner: ctx.Err()}
	}
}
