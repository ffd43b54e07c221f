package meshdb

import (
	"context"
	"math/rand"
	"time"
)

// jitterRNG is the random source used for retry delay jitter. It is seeded once at init time.
var jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// SetJitterRNG overrides the RNG used for delay jitter. Useful for deterministic tests.
func SetJitterRNG(r *rand.Rand) {
	if r != nil {
		jitterRNG = r
	}
}

// Sleep blocks for the specified duration or until the context is done, whichever happens first.
// Retry delays always sleep on the caller's goroutine, never on a connection's
// dispatch goroutine, so a sleeping retry can never deadlock against the
// response that would unblock it.
func Sleep(ctx context.Context, sleepTime time.Duration) {
	if sleepTime <= 0 {
		return
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
}
