package mocks

import (
	"context"
	"sync"

	"github.com/meshdb/meshdb-go/wire"
)

// Provider is an in-memory wire.ConnectionProvider backed by one scripted
// Server. Every acquired connection talks to the same server.
type Provider struct {
	mu         sync.Mutex
	server     *Server
	acquired   []*Connection
	requests   []wire.AcquireRequest
	acquireErr error
	closed     bool
}

func NewProvider(server *Server) *Provider {
	return &Provider{server: server}
}

// FailAcquire makes the next Acquire fail with err.
func (p *Provider) FailAcquire(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireErr = err
}

func (p *Provider) Acquire(ctx context.Context, request wire.AcquireRequest) (wire.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, request)
	if p.acquireErr != nil {
		err := p.acquireErr
		p.acquireErr = nil
		return nil, err
	}
	conn := NewConnection(p.server.Respond)
	p.acquired = append(p.acquired, conn)
	return conn, nil
}

func (p *Provider) VerifyConnectivity(ctx context.Context) error {
	return nil
}

func (p *Provider) SupportsMultiDB(ctx context.Context) (bool, error) {
	return true, nil
}

func (p *Provider) SupportsSessionAuth(ctx context.Context) (bool, error) {
	return true, nil
}

func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Acquired returns every connection handed out so far.
func (p *Provider) Acquired() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.acquired))
	copy(out, p.acquired)
	return out
}

// Requests returns the acquire requests seen so far.
func (p *Provider) Requests() []wire.AcquireRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.AcquireRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
