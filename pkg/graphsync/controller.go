// Package graphsync keeps the in-memory knowledge graph aligned with the
// capability registry by reacting to capability lifecycle events: zone
// creation and updates patch the graph incrementally, merges force a full
// resync from the database.
package graphsync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pml-dev/gateway/pkg/bus"
	"github.com/pml-dev/gateway/pkg/models"
)

// GraphUpdater is the slice of the graph engine the controller drives.
// *graph.Graph satisfies it.
type GraphUpdater interface {
	UpsertNode(ctx context.Context, node models.Node) error
	ReplaceContainsEdges(ctx context.Context, capNodeID string, toolNodeIDs []string) error
	SyncFromDatabase(ctx context.Context) error
}

// CapabilityGetter resolves a capability id to its record.
// *capability.Registry satisfies it.
type CapabilityGetter interface {
	Get(ctx context.Context, id string) (models.CapabilityRecord, error)
}

// ContainsSource lists the tool node ids a capability's code invokes. The
// storage layer derives these from recorded dependency edges.
type ContainsSource interface {
	ContainedTools(ctx context.Context, capabilityID string) ([]string, error)
}

// EmbeddingChecker reports whether a capability carries a stored intent
// embedding. *capability.Store satisfies it.
type EmbeddingChecker interface {
	HasEmbedding(ctx context.Context, rec models.CapabilityRecord) (bool, error)
}

// Learner is an external capability learner. Registration is attempted only
// for capabilities with a stored embedding.
type Learner interface {
	RegisterCapability(ctx context.Context, rec models.CapabilityRecord) error
}

// Subscriber is the bus surface the controller needs. *bus.Bus satisfies it.
type Subscriber interface {
	On(eventType string, handler bus.Handler) bus.UnsubscribeFunc
}

// DefaultHandlerTimeout bounds the graph work done per event.
const DefaultHandlerTimeout = 10 * time.Second

// Controller subscribes to capability lifecycle events and mirrors them into
// the graph. Start and Stop are idempotent; events arriving after Stop are
// ignored.
type Controller struct {
	events   Subscriber
	graph    GraphUpdater
	caps     CapabilityGetter
	contains ContainsSource
	embeds   EmbeddingChecker
	learner  Learner
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	unsubs  []bus.UnsubscribeFunc
	running atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithContainsSource enables contains-edge maintenance on zone events.
func WithContainsSource(s ContainsSource) Option {
	return func(c *Controller) { c.contains = s }
}

// WithLearner enables external-learner registration, gated on the embedding
// checker.
func WithLearner(l Learner, e EmbeddingChecker) Option {
	return func(c *Controller) {
		c.learner = l
		c.embeds = e
	}
}

// WithHandlerTimeout overrides the per-event work deadline.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// New creates a stopped controller.
func New(events Subscriber, g GraphUpdater, caps CapabilityGetter, opts ...Option) *Controller {
	c := &Controller{
		events:  events,
		graph:   g,
		caps:    caps,
		logger:  slog.Default(),
		timeout: DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes the controller to the capability lifecycle events. Calling
// Start on a running controller is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return
	}
	c.running.Store(true)
	c.unsubs = []bus.UnsubscribeFunc{
		c.events.On(models.EventCapabilityZoneCreated, c.onZoneEvent),
		c.events.On(models.EventCapabilityZoneUpdated, c.onZoneEvent),
		c.events.On(models.EventCapabilityMerged, c.onMerged),
	}
	c.logger.Info("Graph-sync controller started")
}

// Stop unsubscribes the controller. Events already queued on the bus are
// ignored when they arrive. Calling Stop on a stopped controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.Load() {
		return
	}
	c.running.Store(false)
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.logger.Info("Graph-sync controller stopped")
}

// onZoneEvent patches the graph for one capability: upsert the node, replace
// its contains edges, and offer it to the external learner when an embedding
// exists.
func (c *Controller) onZoneEvent(event models.Event) {
	if !c.running.Load() {
		return
	}
	capabilityID, _ := event.Payload["capability_id"].(string)
	if capabilityID == "" {
		c.logger.Warn("Zone event without capability_id", "event_type", event.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	rec, err := c.caps.Get(ctx, capabilityID)
	if err != nil {
		c.logger.Error("Failed to load capability for graph sync",
			"capability_id", capabilityID, "error", err)
		return
	}

	node := models.Node{
		ID:          models.CapabilityNodeID(rec.ID),
		Type:        models.NodeTypeCapability,
		Name:        rec.FQDN.DisplayName(),
		SuccessRate: rec.SuccessRate(),
	}
	if err := c.graph.UpsertNode(ctx, node); err != nil {
		c.logger.Error("Failed to upsert capability node",
			"capability_id", capabilityID, "error", err)
		return
	}

	if c.contains != nil {
		tools, err := c.contains.ContainedTools(ctx, rec.ID)
		if err != nil {
			c.logger.Error("Failed to resolve contained tools",
				"capability_id", capabilityID, "error", err)
		} else if err := c.graph.ReplaceContainsEdges(ctx, node.ID, tools); err != nil {
			c.logger.Error("Failed to replace contains edges",
				"capability_id", capabilityID, "error", err)
		}
	}

	c.registerWithLearner(ctx, rec)
}

// onMerged resyncs the whole graph: a merge rewrites node identities, so
// incremental patching is not safe.
func (c *Controller) onMerged(event models.Event) {
	if !c.running.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.graph.SyncFromDatabase(ctx); err != nil {
		c.logger.Error("Full graph resync after merge failed", "error", err)
		return
	}
	c.logger.Info("Graph resynced after capability merge",
		"capability_id", event.Payload["capability_id"])
}

func (c *Controller) registerWithLearner(ctx context.Context, rec models.CapabilityRecord) {
	if c.learner == nil || c.embeds == nil {
		return
	}
	ok, err := c.embeds.HasEmbedding(ctx, rec)
	if err != nil {
		c.logger.Error("Embedding check failed",
			"capability_id", rec.ID, "error", err)
		return
	}
	if !ok {
		c.logger.Debug("Skipping learner registration, no embedding",
			"capability_id", rec.ID)
		return
	}
	if err := c.learner.RegisterCapability(ctx, rec); err != nil {
		c.logger.Error("Learner registration failed",
			"capability_id", rec.ID, "error", err)
	}
}
