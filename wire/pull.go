package wire

import (
	"context"
	"fmt"
	log "log/slog"
	"math"
	"sync"

	"github.com/meshdb/meshdb-go"
)

// pullState is the closed state set of one running query's record stream.
type pullState int

const (
	// pullReady: no PULL outstanding, more records available server-side.
	pullReady pullState = iota
	// pullStreaming: a PULL is outstanding, records are arriving.
	pullStreaming
	// pullCancelled: the consumer gave up; remaining records are discarded.
	pullCancelled
	// pullSucceeded: the stream completed. Terminal.
	pullSucceeded
	// pullFailed: the stream failed. Terminal.
	pullFailed
)

func (s pullState) String() string {
	switch s {
	case pullReady:
		return "ready"
	case pullStreaming:
		return "streaming"
	case pullCancelled:
		return "cancelled"
	case pullSucceeded:
		return "succeeded"
	case pullFailed:
		return "failed"
	}
	return "unknown"
}

// pullEvent is an externally triggered or server-delivered stream event.
type pullEvent int

const (
	evRequest pullEvent = iota
	evCancel
	evRecord
	evSuccessHasMore
	evSuccessDone
	evFailure
)

// pullEffects are the side effects a transition asks the handler to perform.
type pullEffects struct {
	sendPull      bool
	sendDiscard   bool
	deliverRecord bool
	// resume re-issues accumulated demand after a batch boundary.
	resume   bool
	complete bool
	fail     bool
}

// nextPullState is the transition function of the stream state machine. It is
// pure: all bookkeeping (demand, consumers, wire writes) happens in the
// handler applying the returned effects. Terminal states absorb every event,
// including a late success after a failure.
func nextPullState(state pullState, event pullEvent) (pullState, pullEffects) {
	switch state {
	case pullReady:
		switch event {
		case evRequest:
			return pullStreaming, pullEffects{sendPull: true}
		case evCancel:
			return pullCancelled, pullEffects{sendDiscard: true}
		}
		return pullReady, pullEffects{}
	case pullStreaming:
		switch event {
		case evRequest:
			// Demand accumulates; the outstanding PULL keeps streaming.
			return pullStreaming, pullEffects{}
		case evCancel:
			return pullCancelled, pullEffects{sendDiscard: true}
		case evRecord:
			return pullStreaming, pullEffects{deliverRecord: true}
		case evSuccessHasMore:
			return pullReady, pullEffects{resume: true}
		case evSuccessDone:
			return pullSucceeded, pullEffects{complete: true}
		case evFailure:
			return pullFailed, pullEffects{fail: true}
		}
	case pullCancelled:
		switch event {
		case evSuccessHasMore:
			return pullCancelled, pullEffects{sendDiscard: true}
		case evSuccessDone:
			return pullSucceeded, pullEffects{complete: true}
		case evFailure:
			return pullFailed, pullEffects{fail: true}
		}
		return pullCancelled, pullEffects{}
	case pullSucceeded, pullFailed:
		return state, pullEffects{}
	}
	if event == evFailure {
		return pullFailed, pullEffects{fail: true}
	}
	return state, pullEffects{}
}

// RecordConsumer receives each record of a stream, then a terminal
// (nil, err) sentinel marking end of stream; err is nil on normal completion.
type RecordConsumer func(record *meshdb.Record, err error)

// SummaryConsumer receives the final summary exactly once. On failure a
// summary synthesized from empty metadata accompanies the error, so the
// summary is never unavailable when end of stream is observed.
type SummaryConsumer func(summary *meshdb.ResultSummary, err error)

// PullHandler drives the incremental record fetch of one running query:
// consumers register demand with Request, the server's responses arrive
// through the ResponseHandler side, and PULL/DISCARD messages go out as the
// state machine dictates. All externally visible mutations are serialized by
// the handler's lock.
type PullHandler struct {
	mu    sync.Mutex
	state pullState
	conn  Connection
	qid   int64

	query  string
	params map[string]any
	keys   []string

	// toRequest is accumulated, not-yet-sent demand. unlimited, once set,
	// makes further finite requests no-ops.
	toRequest int64
	unlimited bool

	recordConsumer   RecordConsumer
	summaryConsumer  SummaryConsumer
	recordInstalled  bool
	summaryInstalled bool

	summary *meshdb.ResultSummary
	err     error

	// syncSignals makes consumer callbacks run while the lock is held.
	// Consumers that request more data from their own callback must leave it
	// off to avoid reentrant deadlock.
	syncSignals bool
}

// NewPullHandler creates a handler for one query run on conn. qid identifies
// the server-side result when several are open in one transaction.
func NewPullHandler(conn Connection, qid int64, query string, params map[string]any, syncSignals bool) *PullHandler {
	return &PullHandler{
		conn:        conn,
		qid:         qid,
		query:       query,
		params:      params,
		syncSignals: syncSignals,
	}
}

// SetKeys installs the column names announced by the RUN response; records
// delivered afterwards carry them.
func (h *PullHandler) SetKeys(keys []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys = keys
}

// Keys returns the column names of the stream.
func (h *PullHandler) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keys
}

// InstallRecordConsumer registers the record consumer. At most one may ever
// be installed.
func (h *PullHandler) InstallRecordConsumer(consumer RecordConsumer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recordInstalled {
		return &meshdb.UsageError{Message: "a record consumer is already installed on this stream"}
	}
	h.recordInstalled = true
	h.recordConsumer = consumer
	return nil
}

// InstallSummaryConsumer registers the summary consumer. At most one may ever
// be installed.
func (h *PullHandler) InstallSummaryConsumer(consumer SummaryConsumer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.summaryInstalled {
		return &meshdb.UsageError{Message: "a summary consumer is already installed on this stream"}
	}
	h.summaryInstalled = true
	h.summaryConsumer = consumer
	return nil
}

// Request registers demand for n more records (meshdb.FetchAll for the whole
// remainder) and sends a PULL when none is outstanding. Demand registered
// while streaming accumulates and is re-requested at the next batch boundary.
func (h *PullHandler) Request(ctx context.Context, n int64) error {
	if n != meshdb.FetchAll && n <= 0 {
		return &meshdb.UsageError{Message: fmt.Sprintf("record demand must be positive or FetchAll, got %d", n)}
	}
	h.mu.Lock()
	h.addDemand(n)
	st, effects := nextPullState(h.state, evRequest)
	h.state = st
	h.applyLocked(ctx, effects)
	h.mu.Unlock()
	return nil
}

// Cancel discards the remainder of the stream. The summary still arrives
// through the summary consumer once the server confirms the discard.
func (h *PullHandler) Cancel(ctx context.Context) {
	h.mu.Lock()
	st, effects := nextPullState(h.state, evCancel)
	h.state = st
	h.applyLocked(ctx, effects)
	h.mu.Unlock()
}

// OnRecord implements ResponseHandler for the stream's PULL responses.
func (h *PullHandler) OnRecord(values []any) {
	h.mu.Lock()
	st, effects := nextPullState(h.state, evRecord)
	h.state = st
	if !effects.deliverRecord {
		h.mu.Unlock()
		return
	}
	record := &meshdb.Record{Keys: h.keys, Values: values}
	consumer := h.recordConsumer
	if h.syncSignals {
		if consumer != nil {
			consumer(record, nil)
		}
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	if consumer != nil {
		consumer(record, nil)
	}
}

// OnSuccess implements ResponseHandler. The has_more metadata flag decides
// between a batch boundary and stream completion.
func (h *PullHandler) OnSuccess(meta map[string]any) {
	event := evSuccessDone
	if hasMore, _ := meta["has_more"].(bool); hasMore {
		event = evSuccessHasMore
	}
	h.mu.Lock()
	st, effects := nextPullState(h.state, event)
	h.state = st
	if effects.complete {
		h.summary = meshdb.NewSummary(h.query, h.params, meta)
	}
	h.applyLocked(context.Background(), effects)
	h.mu.Unlock()
}

// OnFailure implements ResponseHandler. The stream fails exactly once; the
// summary consumer still receives a summary synthesized from empty metadata.
func (h *PullHandler) OnFailure(err error) {
	h.mu.Lock()
	st, effects := nextPullState(h.state, evFailure)
	h.state = st
	if effects.fail {
		h.err = err
		h.summary = meshdb.NewSummary(h.query, h.params, map[string]any{})
	}
	h.applyLocked(context.Background(), effects)
	h.mu.Unlock()
}

// addDemand saturates instead of overflowing. Caller holds the lock.
func (h *PullHandler) addDemand(n int64) {
	if h.unlimited {
		return
	}
	if n == meshdb.FetchAll {
		h.unlimited = true
		h.toRequest = 0
		return
	}
	h.toRequest += n
	if h.toRequest < 0 {
		h.toRequest = math.MaxInt64
	}
}

// applyLocked performs the side effects of one transition. Caller holds the
// lock; callbacks escape it unless syncSignals is set.
func (h *PullHandler) applyLocked(ctx context.Context, effects pullEffects) {
	if effects.resume && (h.unlimited || h.toRequest > 0) {
		st, next := nextPullState(h.state, evRequest)
		h.state = st
		effects.sendPull = effects.sendPull || next.sendPull
	}
	if effects.sendPull {
		n := h.toRequest
		if h.unlimited {
			n = meshdb.FetchAll
		}
		h.toRequest = 0
		h.writeLocked(ctx, PullMessage{N: n, Qid: h.qid})
	}
	if effects.sendDiscard {
		h.writeLocked(ctx, DiscardMessage{N: meshdb.FetchAll, Qid: h.qid})
	}
	if effects.complete || effects.fail {
		h.signalDoneLocked()
	}
}

// writeLocked sends a flow-control message with this handler attached. A
// write failure fails the stream in place.
func (h *PullHandler) writeLocked(ctx context.Context, msg Message) {
	err := h.conn.WriteAndFlush(ctx, Outgoing{Message: msg, Handler: h})
	if err == nil {
		return
	}
	log.Debug("stream flow-control write failed", "state", h.state.String(), "error", err)
	st, effects := nextPullState(h.state, evFailure)
	h.state = st
	if effects.fail {
		h.err = &meshdb.ServiceUnavailableError{Inner: err}
		h.summary = meshdb.NewSummary(h.query, h.params, map[string]any{})
		h.signalDoneLocked()
	}
}

// signalDoneLocked fires the terminal notifications: summary first, then the
// (nil, err) end-of-stream sentinel, so the summary is always available when
// end of stream is observed. Both consumer references are cleared.
func (h *PullHandler) signalDoneLocked() {
	summaryConsumer := h.summaryConsumer
	recordConsumer := h.recordConsumer
	h.summaryConsumer = nil
	h.recordConsumer = nil
	summary, err := h.summary, h.err
	if h.syncSignals {
		if summaryConsumer != nil {
			summaryConsumer(summary, err)
		}
		if recordConsumer != nil {
			recordConsumer(nil, err)
		}
		return
	}
	h.mu.Unlock()
	defer h.mu.Lock()
	if summaryConsumer != nil {
		summaryConsumer(summary, err)
	}
	if recordConsumer != nil {
		recordConsumer(nil, err)
	}
}
