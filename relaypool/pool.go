package relaypool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool is the connection registry: one Connection per normalized relay URL,
// created lazily on first resolution and destroyed only by Close. RelaySets
// are carved out of the pool per operation.
type Pool struct {
	lock sync.Mutex

	logger            *zap.Logger
	signer            Signer
	flappingThreshold time.Duration

	connections map[string]*Connection
	closed      bool
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{
		logger:      zap.NewNop(),
		connections: make(map[string]*Connection),
	}
}

// SetLogger sets the pool logger, inherited by new connections.
func (pool *Pool) SetLogger(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool.lock.Lock()
	pool.logger = logger
	pool.lock.Unlock()
	return pool
}

// SetSigner sets the authentication policy inherited by new connections.
func (pool *Pool) SetSigner(signer Signer) *Pool {
	pool.lock.Lock()
	pool.signer = signer
	pool.lock.Unlock()
	return pool
}

// SetFlappingThreshold overrides the flapping stddev threshold for new
// connections.
func (pool *Pool) SetFlappingThreshold(threshold time.Duration) *Pool {
	pool.lock.Lock()
	pool.flappingThreshold = threshold
	pool.lock.Unlock()
	return pool
}

// Relay resolves a connection for the URL, creating it on first use. The
// socket is not opened here.
func (pool *Pool) Relay(rawURL string) (*Connection, error) {
	normalized, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return nil, err
	}

	pool.lock.Lock()
	defer pool.lock.Unlock()

	if pool.closed {
		return nil, NewError(DisconnectedError, "pool is closed")
	}
	if connection, exists := pool.connections[normalized]; exists {
		return connection, nil
	}

	connection, err := NewConnection(normalized)
	if err != nil {
		return nil, err
	}
	connection.SetLogger(pool.logger)
	if pool.signer != nil {
		connection.SetSigner(pool.signer)
	}
	if pool.flappingThreshold > 0 {
		connection.SetFlappingThreshold(pool.flappingThreshold)
	}

	pool.connections[normalized] = connection
	return connection, nil
}

// RelaySet resolves the URLs into a set of connections for one operation.
func (pool *Pool) RelaySet(urls ...string) (*RelaySet, error) {
	connections := make([]*Connection, 0, len(urls))
	seen := make(map[*Connection]struct{}, len(urls))
	for _, url := range urls {
		connection, err := pool.Relay(url)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[connection]; dup {
			continue
		}
		seen[connection] = struct{}{}
		connections = append(connections, connection)
	}

	pool.lock.Lock()
	logger := pool.logger
	pool.lock.Unlock()

	return NewRelaySet(connections).SetLogger(logger), nil
}

// Subscribe creates a logical subscription over filters and fans it out
// across the given relays.
func (pool *Pool) Subscribe(filters []Filter, options SubscriptionOptions, urls ...string) (*Subscription, error) {
	set, err := pool.RelaySet(urls...)
	if err != nil {
		return nil, err
	}

	subscription := NewSubscription(filters, options)
	if err := set.Subscribe(subscription); err != nil {
		subscription.Close()
		return nil, err
	}
	return subscription, nil
}

// Publish fans a pre-signed event out across the given relays, requiring
// requiredRelayCount acks.
func (pool *Pool) Publish(ctx context.Context, event *Event, requiredRelayCount int, urls ...string) error {
	set, err := pool.RelaySet(urls...)
	if err != nil {
		return err
	}
	return set.Publish(ctx, event, requiredRelayCount)
}

// Connections snapshots the live connection registry.
func (pool *Pool) Connections() []*Connection {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	connections := make([]*Connection, 0, len(pool.connections))
	for _, connection := range pool.connections {
		connections = append(connections, connection)
	}
	return connections
}

// Close shuts down every connection. The pool accepts no further use.
func (pool *Pool) Close() error {
	pool.lock.Lock()
	if pool.closed {
		pool.lock.Unlock()
		return nil
	}
	pool.closed = true
	connections := make([]*Connection, 0, len(pool.connections))
	for _, connection := range pool.connections {
		connections = append(connections, connection)
	}
	pool.connections = make(map[string]*Connection)
	pool.lock.Unlock()

	var firstErr error
	for _, connection := range connections {
		if err := connection.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
