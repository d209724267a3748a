package api

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pml-dev/gateway/pkg/bus"
	"github.com/pml-dev/gateway/pkg/models"
)

// StreamManager fans bus events out to a bounded set of SSE clients. Slow
// consumers lose events: each client owns a bounded buffer and sends never
// block back into the bus.
type StreamManager struct {
	events     Subscriber
	maxClients int
	bufferSize int
	heartbeat  time.Duration

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	started time.Time
	unsub   bus.UnsubscribeFunc
	stop    chan struct{}
	stopped sync.Once
}

// Subscriber is the bus surface the stream manager needs.
type Subscriber interface {
	On(eventType string, handler bus.Handler) bus.UnsubscribeFunc
}

// streamClient is one SSE subscription.
type streamClient struct {
	ch      chan models.Event
	filters []string
	dropped atomic.Int64
}

// Events is the client's receive channel.
func (c *streamClient) Events() <-chan models.Event { return c.ch }

// wants reports whether an event type passes the client's filters. Filters
// are glob prefixes: "dag.*" matches "dag.checkpoint"; an exact filter
// matches only itself; no filters means everything.
func (c *streamClient) wants(eventType string) bool {
	if len(c.filters) == 0 {
		return true
	}
	for _, f := range c.filters {
		if prefix, ok := strings.CutSuffix(f, "*"); ok {
			if strings.HasPrefix(eventType, prefix) {
				return true
			}
		} else if f == eventType {
			return true
		}
	}
	return false
}

// StreamOptions tune the manager.
type StreamOptions struct {
	MaxClients        int
	ClientBufferSize  int
	HeartbeatInterval time.Duration
}

// NewStreamManager creates a manager, subscribes it to all bus events, and
// starts its heartbeat loop.
func NewStreamManager(events Subscriber, opts StreamOptions) *StreamManager {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 100
	}
	if opts.ClientBufferSize <= 0 {
		opts.ClientBufferSize = 64
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	m := &StreamManager{
		events:     events,
		maxClients: opts.MaxClients,
		bufferSize: opts.ClientBufferSize,
		heartbeat:  opts.HeartbeatInterval,
		clients:    make(map[*streamClient]struct{}),
		started:    time.Now(),
		stop:       make(chan struct{}),
	}
	m.unsub = events.On(bus.Wildcard, m.broadcast)
	go m.heartbeatLoop()
	return m
}

// Subscribe registers a client. Returns a capacity error when the client set
// is full; the handler maps it to 503.
func (m *StreamManager) Subscribe(filters []string) (*streamClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxClients {
		return nil, models.NewError(models.KindPoolExhausted, "too many clients")
	}
	c := &streamClient{
		ch:      make(chan models.Event, m.bufferSize),
		filters: filters,
	}
	m.clients[c] = struct{}{}
	return c, nil
}

// Unsubscribe drops a client. Safe to call more than once.
func (m *StreamManager) Unsubscribe(c *streamClient) {
	m.mu.Lock()
	delete(m.clients, c)
	m.mu.Unlock()
}

// ClientCount returns the current subscription count.
func (m *StreamManager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// MaxClients returns the configured capacity.
func (m *StreamManager) MaxClients() int { return m.maxClients }

// Close unsubscribes from the bus and stops the heartbeat loop.
func (m *StreamManager) Close() {
	m.stopped.Do(func() {
		close(m.stop)
		if m.unsub != nil {
			m.unsub()
		}
	})
}

// broadcast delivers an event to every matching client, iterating a snapshot
// so add/remove never contend with sends. Full buffers drop the event.
func (m *StreamManager) broadcast(event models.Event) {
	m.mu.Lock()
	snapshot := make([]*streamClient, 0, len(m.clients))
	for c := range m.clients {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		// Heartbeats reach every client regardless of filters.
		if event.Type != models.EventHeartbeat && !c.wants(event.Type) {
			continue
		}
		select {
		case c.ch <- event:
		default:
			c.dropped.Add(1)
		}
	}
}

func (m *StreamManager) heartbeatLoop() {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.broadcast(models.Event{
				Type:      models.EventHeartbeat,
				Source:    "stream-manager",
				Timestamp: time.Now().UTC(),
				Payload: map[string]any{
					"connected_clients": m.ClientCount(),
					"uptime_seconds":    int64(time.Since(m.started).Seconds()),
				},
			})
		}
	}
}
