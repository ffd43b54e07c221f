package meshdb

import (
	"context"
	log "log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryLogic retries a unit of work under a pluggable policy. The retried
// unit is the entire transactional body (begin, work, commit), never a single
// operation, so the work function must be idempotent across attempts.
type RetryLogic interface {
	// Retry runs work until it succeeds, the policy declines, or the context
	// is done. Errors swallowed along the way are attached as suppressed to
	// the final error.
	Retry(ctx context.Context, work func(ctx context.Context) (any, error)) (any, error)
}

// backoffRetry is the default RetryLogic: exponential backoff with jitter,
// bounded by a time budget measured from the first failure.
type backoffRetry struct {
	config      RetryConfig
	isRetryable func(error) bool
}

// NewBackoffRetry returns the default retry logic: the IsRetryable predicate
// with exponential backoff per config.
func NewBackoffRetry(config RetryConfig) RetryLogic {
	return NewBackoffRetryWithPredicate(config, IsRetryable)
}

// NewBackoffRetryWithPredicate is NewBackoffRetry with a custom retryability
// predicate.
func NewBackoffRetryWithPredicate(config RetryConfig, isRetryable func(error) bool) RetryLogic {
	return &backoffRetry{config: config.withDefaults(), isRetryable: isRetryable}
}

// newBackoff builds the per-call delay generator. The retry budget starts
// counting at the first failure, not at construction.
func (r *backoffRetry) newBackoff() retry.Backoff {
	delay := float64(r.config.InitialDelay)
	var deadline time.Time
	return retry.BackoffFunc(func() (time.Duration, bool) {
		now := time.Now()
		if deadline.IsZero() {
			deadline = now.Add(r.config.MaxRetryTime)
		} else if now.After(deadline) {
			return 0, true
		}
		// Randomize within ±JitterFactor so colliding transactions spread out.
		jitter := 1 + r.config.JitterFactor*(2*jitterRNG.Float64()-1)
		next := time.Duration(delay * jitter)
		delay *= r.config.Multiplier
		return next, false
	})
}

func (r *backoffRetry) Retry(ctx context.Context, work func(ctx context.Context) (any, error)) (any, error) {
	var result any
	var mu sync.Mutex
	var swallowed []error
	err := retry.Do(ctx, r.newBackoff(), func(ctx context.Context) error {
		v, err := work(ctx)
		if err == nil {
			result = v
			return nil
		}
		if r.isRetryable(err) {
			mu.Lock()
			swallowed = append(swallowed, err)
			mu.Unlock()
			log.Debug("transient failure, will retry", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		return nil, AddSuppressed(err, swallowed...)
	}
	return result, nil
}

// RetryPolicy maps an error, the attempt number (1-based) and the configured
// maximum to a retry decision and the delay before the next attempt.
type RetryPolicy func(err error, attempt, maxAttempts int) (bool, time.Duration)

// policyRetry loops a user-supplied policy until it declines.
type policyRetry struct {
	policy      RetryPolicy
	maxAttempts int
}

// NewPolicyRetry returns retry logic driven by a user policy. maxAttempts is
// forwarded to the policy verbatim; the policy decides whether to honor it.
func NewPolicyRetry(policy RetryPolicy, maxAttempts int) RetryLogic {
	return &policyRetry{policy: policy, maxAttempts: maxAttempts}
}

func (p *policyRetry) Retry(ctx context.Context, work func(ctx context.Context) (any, error)) (any, error) {
	var swallowed []error
	for attempt := 1; ; attempt++ {
		v, err := work(ctx)
		if err == nil {
			return v, nil
		}
		again, delay := p.policy(err, attempt, p.maxAttempts)
		if !again {
			// Re-raise the last error with the prior attempts attached.
			return nil, AddSuppressed(err, swallowed...)
		}
		swallowed = append(swallowed, err)
		log.Debug("retry policy accepted failure", "attempt", attempt, "delay", delay, "error", err)
		Sleep(ctx, delay)
		if ctx.Err() != nil {
			return nil, AddSuppressed(err, swallowed...)
		}
	}
}
