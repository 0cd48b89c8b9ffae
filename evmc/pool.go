package evmc

import (
	"context"
	"strings"
	"sync"

	"evmoracle/core/identity"
	oerrors "evmoracle/services/oracled/errors"
)

// DialFunc opens a client for endpoint.
type DialFunc func(ctx context.Context, endpoint string) (*Client, error)

// Pool caches one client per EVM peer endpoint.
type Pool struct {
	mu      sync.Mutex
	dial    DialFunc
	clients map[string]*Client
}

// NewPool builds a pool. A nil dial uses Dial.
func NewPool(dial DialFunc) *Pool {
	if dial == nil {
		dial = Dial
	}
	return &Pool{dial: dial, clients: make(map[string]*Client)}
}

// Get returns the client for peer, dialing it on first use.
func (p *Pool) Get(ctx context.Context, peer identity.Identity) (*Client, error) {
	if peer.IsAnonymous() {
		return nil, oerrors.InvalidArgument("evm peer not configured")
	}
	endpoint := strings.TrimSpace(peer.String())
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[endpoint]; ok {
		return client, nil
	}
	client, err := p.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	p.clients[endpoint] = client
	return client, nil
}

// Close closes every cached client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for endpoint, client := range p.clients {
		client.Close()
		delete(p.clients, endpoint)
	}
}
