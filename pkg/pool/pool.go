// Package pool provides the bounded, lazily-populated pool of tool-server
// connections. Entries are created on first acquire, expire after an idle
// period, and are torn down together on Close.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pml-dev/gateway/pkg/models"
)

// Connection is a pooled tool-server client. Implementations wrap MCP SDK
// sessions or other transports.
type Connection interface {
	// Disconnect releases the underlying transport.
	Disconnect(ctx context.Context) error
}

// Factory creates a connection for a server on first acquire.
type Factory func(ctx context.Context) (Connection, error)

// DefaultMaxConnections bounds the pool when no limit is configured.
const DefaultMaxConnections = 32

// DefaultIdleTimeout is how long an unused entry survives before its
// connection is disconnected and removed.
const DefaultIdleTimeout = 5 * time.Minute

type entry struct {
	conn      Connection
	idleTimer *time.Timer
}

// Pool is a concurrency-safe, bounded connection pool keyed by server id.
type Pool struct {
	mu          sync.Mutex
	entries     map[string]*entry
	maxSize     int
	idleTimeout time.Duration
	closed      bool
	logger      *slog.Logger

	// Single-flight guards: one factory call per server id at a time.
	inflight map[string]*sync.Mutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxConnections sets the pool size limit.
func WithMaxConnections(n int) Option {
	return func(p *Pool) { p.maxSize = n }
}

// WithIdleTimeout sets the per-entry idle expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		entries:     make(map[string]*entry),
		inflight:    make(map[string]*sync.Mutex),
		maxSize:     DefaultMaxConnections,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the connection for serverID, creating it with factory on
// first use. Acquire resets the entry's idle timer. When the pool is at
// capacity and no entry exists for serverID, a PoolExhausted error is
// returned. Factory failures propagate and leave the pool unchanged.
func (p *Pool) Acquire(ctx context.Context, serverID string, factory Factory) (Connection, error) {
	flight := p.flightLock(serverID)
	if flight == nil {
		return nil, models.NewError(models.KindUnavailableService, "connection pool is closed")
	}
	flight.Lock()
	defer flight.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.NewError(models.KindUnavailableService, "connection pool is closed")
	}
	if e, ok := p.entries[serverID]; ok {
		e.idleTimer.Reset(p.idleTimeout)
		conn := e.conn
		p.mu.Unlock()
		return conn, nil
	}
	if len(p.entries) >= p.maxSize {
		p.mu.Unlock()
		return nil, models.NewError(models.KindPoolExhausted,
			"connection pool at capacity (%d)", p.maxSize)
	}
	p.mu.Unlock()

	// Factory runs outside the pool lock but inside the per-server flight
	// lock, so two goroutines never create the same server's connection.
	conn, err := factory(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// Lost the race with Close: tear the fresh connection down.
		go p.disconnect(serverID, conn)
		return nil, models.NewError(models.KindUnavailableService, "connection pool is closed")
	}
	if len(p.entries) >= p.maxSize {
		// A concurrent acquire for another server filled the pool while the
		// factory ran.
		go p.disconnect(serverID, conn)
		return nil, models.NewError(models.KindPoolExhausted,
			"connection pool at capacity (%d)", p.maxSize)
	}
	p.entries[serverID] = &entry{
		conn:      conn,
		idleTimer: time.AfterFunc(p.idleTimeout, func() { p.expire(serverID) }),
	}
	return conn, nil
}

// Release marks the entry as recently used, resetting its idle timer.
// Releasing an unknown server id is a no-op.
func (p *Pool) Release(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[serverID]; ok {
		e.idleTimer.Reset(p.idleTimeout)
	}
}

// Size returns the number of live entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Has reports whether an entry exists for serverID.
func (p *Pool) Has(serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[serverID]
	return ok
}

// Close cancels all idle timers and disconnects every entry. Per-entry
// disconnect faults are logged and do not stop the teardown. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for serverID, e := range entries {
		e.idleTimer.Stop()
		p.disconnect(serverID, e.conn)
	}
}

// expire runs on idle-timer elapse: disconnect and remove the entry.
func (p *Pool) expire(serverID string) {
	p.mu.Lock()
	e, ok := p.entries[serverID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.entries, serverID)
	p.mu.Unlock()

	p.logger.Debug("Idle connection expired", "server", serverID)
	p.disconnect(serverID, e.conn)
}

func (p *Pool) disconnect(serverID string, conn Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		p.logger.Warn("Connection disconnect failed", "server", serverID, "error", err)
	}
}

// flightLock returns the per-server single-flight mutex, or nil when the
// pool is closed.
func (p *Pool) flightLock(serverID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	mu, ok := p.inflight[serverID]
	if !ok {
		mu = &sync.Mutex{}
		p.inflight[serverID] = mu
	}
	return mu
}
