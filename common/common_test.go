package common

import (
	"context"
	"testing"
	"time"

	"github.com/meshdb/meshdb-go"
	"github.com/meshdb/meshdb-go/mocks"
)

var ctx = context.Background()

// fastRetry keeps managed-transaction retries in the millisecond range.
func fastRetry() meshdb.RetryLogic {
	return meshdb.NewBackoffRetry(meshdb.RetryConfig{
		MaxRetryTime: 250 * time.Millisecond,
		InitialDelay: 1 * time.Millisecond,
		Multiplier:   1.2,
		JitterFactor: 0.1,
	})
}

func newTestSession(t *testing.T, server *mocks.Server, config meshdb.SessionConfig) (meshdb.Session, *mocks.Provider) {
	t.Helper()
	provider := mocks.NewProvider(server)
	return NewSessionWithRetry(provider, config, fastRetry()), provider
}

// rows builds n single-column records valued 1..n.
func rows(n int) [][]any {
	out := make([][]any, n)
	for i := range out {
		out[i] = []any{i + 1}
	}
	return out
}

func assertUsageError(t *testing.T, err error) *meshdb.UsageError {
	t.Helper()
	if err == nil {
		t.Fatal("expected a usage error, got nil")
	}
	usageErr, ok := err.(*meshdb.UsageError)
	if !ok {
		t.Fatalf("expected a usage error, got %T: %v", err, err)
	}
	return usageErr
}
