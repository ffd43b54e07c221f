package meshdb

import (
	"context"
	"errors"
	"fmt"
)

// suppressedError pairs a primary cause with secondary errors swallowed while
// handling it (failed rollbacks, drained cursor errors, retried attempts).
// Unwrap preserves the identity of the cause for errors.Is/errors.As.
type suppressedError struct {
	cause  error
	extras []error
}

func (e *suppressedError) Error() string {
	return fmt.Sprintf("%v (%d suppressed)", e.cause, len(e.extras))
}

func (e *suppressedError) Unwrap() error {
	return e.cause
}

// AddSuppressed attaches extras to err as suppressed errors. Attachment is
// identity-checked: an extra that is err itself, its cause, or already
// attached is skipped, so merging the same error object twice never
// duplicates and never creates a self-referential chain. A merge never
// mutates err: the returned error is a fresh wrapper, so an error already
// handed to a caller stays stable under later merges.
func AddSuppressed(err error, extras ...error) error {
	if err == nil {
		if len(extras) > 0 {
			return extras[0]
		}
		return nil
	}
	cause := err
	var existing []error
	if se, ok := err.(*suppressedError); ok {
		cause = se.cause
		existing = se.extras
	}
	merged := existing
	copied := false
	for _, extra := range extras {
		if extra == nil || extra == err || extra == cause {
			continue
		}
		duplicate := false
		for _, prior := range merged {
			if prior == extra {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		if !copied {
			merged = append(make([]error, 0, len(existing)+1), existing...)
			copied = true
		}
		merged = append(merged, extra)
	}
	if !copied {
		return err
	}
	return &suppressedError{cause: cause, extras: merged}
}

// Suppressed returns the secondary errors attached to err, or nil.
func Suppressed(err error) []error {
	var se *suppressedError
	if errors.As(err, &se) {
		return se.extras
	}
	return nil
}

// IsRetryable classifies an error as transient for retry purposes: transient
// server failures, connectivity loss, and leader switches qualify; usage
// errors and everything else do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.IsRetryable()
	}
	var unavailable *ServiceUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	var expired *SessionExpiredError
	return errors.As(err, &expired)
}

// NeedsTermination reports whether a failing connection must be destroyed
// rather than returned to the pool: expired authorization, read timeouts and
// caller interruption all leave a reply half-consumed on the wire, so the
// connection's protocol state cannot be trusted again.
func NeedsTermination(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) && serverErr.IsAuthorizationExpired() {
		return true
	}
	var readTimeout *ReadTimeoutError
	return errors.As(err, &readTimeout)
}
