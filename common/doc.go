// Package common implements the session/transaction execution engine of the
// MeshDB client runtime: sessions with auto-commit and explicit transactions,
// the transaction lifecycle state machine, streaming result cursors over the
// wire package's pull protocol, and the wiring of retry logic around managed
// transaction functions. It consumes connections exclusively through the
// wire.ConnectionProvider contract.
package common
