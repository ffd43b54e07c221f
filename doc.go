// Package meshdb defines the core interfaces, types, and helpers of the MeshDB
// Go client runtime. It provides sessions, transactions, streaming result
// cursors, retry logic, and shared error codes. The wire-level collaborator
// contracts (connections, protocol messages, the pull state machine) live in
// the wire subpackage, while the session/transaction engine lives in common.
// Concrete transports and cluster routing are supplied by the host application
// through the wire.ConnectionProvider contract and are not part of this module.
package meshdb

// Timeout model
//
// Client operations (notably managed transaction functions) are bounded by two
// timers:
//  1. The caller-provided context deadline/cancellation which propagates into
//     every network await.
//  2. The retry budget (RetryConfig.MaxRetryTime) measured from the first
//     failed attempt of a managed transaction function.
//
// The effective duration of ExecuteRead/ExecuteWrite is the earlier of the
// context deadline and the retry budget. A context cancellation observed while
// a response is outstanding terminates the connection instead of releasing it,
// since a half-consumed protocol reply cannot be safely left for reuse.
