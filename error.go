package meshdb

import (
	"fmt"
	"strings"
)

// UsageError is raised when the client API is misused: nested transactions,
// operations on a committed/rolled back transaction, double consumer install,
// returning a live cursor from a managed transaction function, etc. It is
// never retried.
type UsageError struct {
	Message string
	// Cause is the underlying condition, when one exists (e.g. the error that
	// terminated the transaction).
	Cause error
}

func (e *UsageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *UsageError) Unwrap() error {
	return e.Cause
}

// ServerError is a FAILURE response from the server. Code follows the
// "Mesh.<Classification>.<Category>.<Title>" convention.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error [%s]: %s", e.Code, e.Message)
}

// Classification returns the second segment of the code ("TransientError",
// "ClientError", ...), or empty when the code is malformed.
func (e *ServerError) Classification() string {
	parts := strings.SplitN(e.Code, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// IsRetryable reports whether the failure is expected to potentially succeed
// on a fresh attempt: the transient classification (minus explicit client
// terminations) plus the cluster role-change codes which surface as client
// errors but resolve once routing catches up.
func (e *ServerError) IsRetryable() bool {
	switch e.Code {
	case "Mesh.ClientError.Cluster.NotALeader",
		"Mesh.ClientError.General.ForbiddenOnReadOnlyDatabase":
		return true
	case "Mesh.TransientError.Transaction.Terminated",
		"Mesh.TransientError.Transaction.LockClientStopped":
		return false
	}
	return e.Classification() == "TransientError"
}

// IsAuthorizationExpired reports whether the connection's credentials lapsed.
// Connections observing this must be terminated, not pooled.
func (e *ServerError) IsAuthorizationExpired() bool {
	return e.Code == "Mesh.ClientError.Security.AuthorizationExpired"
}

// ServiceUnavailableError signals that no server could be reached or that the
// connection was lost mid-operation.
type ServiceUnavailableError struct {
	Inner error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service unavailable: %v", e.Inner)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Inner
}

// SessionExpiredError signals that the server a session was bound to no longer
// serves the requested role (e.g. a leader switch).
type SessionExpiredError struct {
	Message string
}

func (e *SessionExpiredError) Error() string {
	return "session expired: " + e.Message
}

// ReadTimeoutError signals the server-declared read timeout elapsed while a
// response was outstanding. The connection is in an undefined protocol state
// and must be terminated, not pooled.
type ReadTimeoutError struct{}

func (e *ReadTimeoutError) Error() string {
	return "connection read timeout; the connection is no longer usable"
}
