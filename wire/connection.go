// Package wire defines the collaborator contracts of the MeshDB client
// runtime: the exclusively-ownable Connection, the ConnectionProvider that
// hands connections out, the protocol messages exchanged with the server, and
// the flow-controlled pull state machine that drives record streaming.
//
// Byte-level encoding, TLS/socket transport and cluster routing live behind
// these interfaces and are supplied by the host application.
package wire

import (
	"context"

	"github.com/meshdb/meshdb-go"
)

// Outgoing pairs a protocol message with the handler that will receive its
// responses. Messages written to one connection are answered strictly in FIFO
// order, so handler pairing follows write order.
type Outgoing struct {
	Message Message
	Handler ResponseHandler
}

// Connection is an exclusively-ownable wire channel bound to one server. At
// most one logical operation (session or transaction) owns it at a time.
// Release and TerminateAndRelease transition the connection out of service
// exactly once; implementations guard the transition with a compare-and-set
// so a connection is returned to the pool or destroyed, never both.
type Connection interface {
	// Write queues messages with their response handlers without flushing.
	Write(ctx context.Context, outgoing ...Outgoing) error
	// WriteAndFlush queues messages and flushes the send buffer.
	WriteAndFlush(ctx context.Context, outgoing ...Outgoing) error
	// Release returns the connection to its pool. Idempotent; concurrent and
	// repeated calls observe the one underlying release.
	Release(ctx context.Context) error
	// TerminateAndRelease destroys the connection instead of pooling it, used
	// when its protocol state is no longer trustworthy (interruption, read
	// timeout, expired authorization).
	TerminateAndRelease(ctx context.Context, reason string)
	// Protocol returns the negotiated protocol version string.
	Protocol() string
	// ServerName identifies the remote server, for summaries and logs.
	ServerName() string
	// IsOpen reports whether the connection can still carry traffic.
	IsOpen() bool
}

// AcquireRequest states what kind of connection a session needs.
type AcquireRequest struct {
	// Mode is the routing hint: readers for ReadMode, writers otherwise.
	Mode meshdb.AccessMode
	// DatabaseName targets a database; empty selects the server default.
	DatabaseName string
	// Bookmarks let routing pick a member that has caught up causally.
	Bookmarks meshdb.Bookmarks
}

// ConnectionProvider hands out connections. Implementations cover pooling,
// cluster topology discovery and load balancing; the core consumes them only
// through this contract.
type ConnectionProvider interface {
	// Acquire returns a connection matching the request. The caller owns the
	// connection exclusively until it releases or terminates it.
	Acquire(ctx context.Context, request AcquireRequest) (Connection, error)
	// VerifyConnectivity checks that at least one server is reachable.
	VerifyConnectivity(ctx context.Context) error
	// SupportsMultiDB reports whether the remote end supports multiple
	// databases.
	SupportsMultiDB(ctx context.Context) (bool, error)
	// SupportsSessionAuth reports whether the remote end supports
	// per-session authentication.
	SupportsSessionAuth(ctx context.Context) (bool, error)
	// Close shuts the provider down, destroying pooled connections.
	Close(ctx context.Context) error
}
