package meshdb

import (
	"math"
	"time"
)

// SessionConfig configures a new session; its zero value uses safe defaults.
type SessionConfig struct {
	// AccessMode is used for Session.Run and explicit transactions. Managed
	// transaction functions (ExecuteRead/ExecuteWrite) do not rely on it.
	AccessMode AccessMode
	// Bookmarks are the initial causal tokens the session must observe.
	Bookmarks Bookmarks
	// DatabaseName targets a specific database; empty selects the server's
	// default database.
	DatabaseName string
	// FetchSize is the PULL batch size. FetchDefault lets the runtime decide,
	// FetchAll streams the entire result in one batch.
	FetchSize int
	// Retry overrides the retry parameters for managed transaction functions.
	Retry RetryConfig
}

// TransactionConfig is per-transaction configuration, applied through
// functional configurers on Run/BeginTransaction/ExecuteRead/ExecuteWrite.
type TransactionConfig struct {
	// Timeout is the server-side transaction timeout. TimeoutUnset keeps the
	// server default; zero disables the timeout entirely.
	Timeout time.Duration
	// Metadata is attached verbatim to BEGIN/RUN and surfaced in server
	// monitoring; the core does not interpret it.
	Metadata map[string]any
}

// TimeoutUnset marks TransactionConfig.Timeout as not set, keeping whatever
// timeout the server is configured with.
const TimeoutUnset = math.MinInt64

// WithTxTimeout returns a configurer setting the transaction timeout.
func WithTxTimeout(timeout time.Duration) func(*TransactionConfig) {
	return func(config *TransactionConfig) {
		config.Timeout = timeout
	}
}

// WithTxMetadata returns a configurer attaching metadata to the transaction.
func WithTxMetadata(metadata map[string]any) func(*TransactionConfig) {
	return func(config *TransactionConfig) {
		config.Metadata = metadata
	}
}

// DefaultTransactionConfig returns the config used when no configurers are
// supplied.
func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{Timeout: TimeoutUnset}
}

// ValidateTransactionConfig rejects configurations that the server would
// refuse, before any wire traffic happens.
func ValidateTransactionConfig(config TransactionConfig) error {
	if config.Timeout != TimeoutUnset && config.Timeout < 0 {
		return &UsageError{Message: "negative transaction timeouts are not allowed"}
	}
	return nil
}

// RetryConfig holds the exponential backoff parameters used by the default
// retry logic. Zero values fall back to the package defaults.
type RetryConfig struct {
	// MaxRetryTime is the budget measured from the first failure; once
	// exceeded no further attempt is made.
	MaxRetryTime time.Duration
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// JitterFactor randomizes each delay within ±JitterFactor of its value.
	JitterFactor float64
}

const (
	defaultMaxRetryTime = 30 * time.Second
	defaultInitialDelay = 1 * time.Second
	defaultMultiplier   = 2.0
	defaultJitterFactor = 0.2
)

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetryTime == 0 {
		c.MaxRetryTime = defaultMaxRetryTime
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = defaultMultiplier
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = defaultJitterFactor
	}
	return c
}
