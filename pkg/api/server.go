// Package api is the HTTP dispatcher: gin routes behind a CORS → auth
// middleware chain, the SSE stream manager, JSON-RPC over POST /mcp, and
// Prometheus exposition.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pml-dev/gateway/pkg/capability"
	"github.com/pml-dev/gateway/pkg/config"
	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/storage"
)

// GraphService is the graph surface the handlers read. *graph.Graph
// satisfies it.
type GraphService interface {
	Snapshot() models.GraphSnapshot
	ShortestPath(from, to string) ([]string, error)
	Related(nodeID string, limit int) []models.Edge
	Communities() map[string]int
}

// CapabilityService is the registry surface. *capability.Registry satisfies
// it.
type CapabilityService interface {
	List(ctx context.Context, scope models.Scope, opts capability.ListOptions) ([]models.CapabilityRecord, int, error)
	Get(ctx context.Context, id string) (models.CapabilityRecord, error)
	Delete(ctx context.Context, id string) error
}

// DependencyService maintains capability dependency edges. *capability.Store
// satisfies it.
type DependencyService interface {
	AddDependency(ctx context.Context, from, to string, edgeType models.EdgeType, source models.EdgeSource) (models.Edge, error)
	GetDependencies(ctx context.Context, nodeID string, direction capability.Direction) ([]models.Edge, error)
	RemoveDependency(ctx context.Context, from, to string) error
}

// KeyChecker validates API keys in cloud mode. *storage.KeyStore satisfies
// it.
type KeyChecker interface {
	IsLiveKey(ctx context.Context, key string) (bool, error)
}

// MCPService answers the JSON-RPC methods carried over POST /mcp.
// *mcpserver.Service satisfies it.
type MCPService interface {
	Initialize() map[string]any
	ListTools(ctx context.Context) []models.ToolDescriptor
	CallTool(ctx context.Context, name string, arguments map[string]any) (any, error)
}

// HealthChecker reports backing-store health. *storage.Client satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) (*storage.HealthStatus, error)
}

// Server wires the HTTP surface together.
type Server struct {
	cfg     config.Config
	graph   GraphService
	caps    CapabilityService
	deps    DependencyService
	keys    KeyChecker
	mcp     MCPService
	health  HealthChecker
	stream  *StreamManager
	metrics *Metrics
}

// Option configures the server.
type Option func(*Server)

// WithHealthChecker attaches a database health probe to /health.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics overrides the default metrics set.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the dispatcher.
func NewServer(
	cfg config.Config,
	graph GraphService,
	caps CapabilityService,
	deps DependencyService,
	keys KeyChecker,
	mcp MCPService,
	stream *StreamManager,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:    cfg,
		graph:  graph,
		caps:   caps,
		deps:   deps,
		keys:   keys,
		mcp:    mcp,
		stream: stream,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return s
}

// Router builds the gin engine with the full middleware chain and routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(s.cfg.CORSOrigin()))
	r.Use(s.metrics.instrument())
	r.Use(s.authMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/dashboard", s.handleDashboard)
	r.GET("/events/stream", s.handleEventStream)
	r.POST("/mcp", s.handleMCP)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/metrics", s.metrics.Handler())
		apiGroup.GET("/graph/snapshot", s.handleGraphSnapshot)
		apiGroup.GET("/graph/path", s.handleGraphPath)
		apiGroup.GET("/graph/related", s.handleGraphRelated)
		apiGroup.GET("/graph/hypergraph", s.handleHypergraph)
		apiGroup.GET("/capabilities", s.handleListCapabilities)
		apiGroup.DELETE("/capabilities/:id", s.handleDeleteCapability)
		apiGroup.GET("/capabilities/:id/dependencies", s.handleGetDependencies)
		apiGroup.POST("/capabilities/:id/dependencies", s.handleAddDependency)
		apiGroup.DELETE("/capabilities/:id/dependencies/:depId", s.handleRemoveDependency)
	}

	r.NoRoute(func(c *gin.Context) {
		respondError(c, models.NewError(models.KindNotFound, "route not found"))
	})
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	payload := gin.H{"status": "ok", "mode": string(s.cfg.Mode)}
	if s.health != nil {
		dbHealth, err := s.health.Health(c.Request.Context())
		payload["database"] = dbHealth
		if err != nil {
			payload["status"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, payload)
			return
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.Redirect(http.StatusFound, s.cfg.DashboardURL)
}

// handleEventStream upgrades the request into a long-lived SSE connection.
func (s *Server) handleEventStream(c *gin.Context) {
	var filters []string
	if raw := c.Query("filter"); raw != "" {
		for _, f := range splitAndTrim(raw) {
			filters = append(filters, f)
		}
	}

	client, err := s.stream.Subscribe(filters)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Too many clients",
			"max":   s.stream.MaxClients(),
		})
		return
	}
	defer s.stream.Unsubscribe(client)
	s.metrics.SSEClients.Inc()
	defer s.metrics.SSEClients.Dec()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-client.Events():
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := c.Writer.WriteString("event: " + event.Type + "\ndata: " + string(data) + "\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
			s.metrics.EventsStreamed.Inc()
		}
	}
}
