// pmlgw is the capability gateway server: it discovers tools and learned
// capabilities, executes workflow DAGs and sandboxed code against the backing
// tool servers, and mines the resulting traces back into the knowledge graph.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pml-dev/gateway/pkg/algo"
	"github.com/pml-dev/gateway/pkg/api"
	"github.com/pml-dev/gateway/pkg/bus"
	"github.com/pml-dev/gateway/pkg/capability"
	"github.com/pml-dev/gateway/pkg/config"
	"github.com/pml-dev/gateway/pkg/executor"
	"github.com/pml-dev/gateway/pkg/graph"
	"github.com/pml-dev/gateway/pkg/graphsync"
	"github.com/pml-dev/gateway/pkg/mcpserver"
	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/pool"
	"github.com/pml-dev/gateway/pkg/sandbox"
	"github.com/pml-dev/gateway/pkg/search"
	"github.com/pml-dev/gateway/pkg/storage"
	"github.com/pml-dev/gateway/pkg/trace"
	"github.com/pml-dev/gateway/pkg/upstream"
	"github.com/pml-dev/gateway/pkg/version"
)

// Exit codes.
const (
	exitInitFailure = 1
	exitPortInUse   = 2
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	stdio := flag.Bool("stdio", false, "Also serve MCP over stdin/stdout")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	slog.Info("Starting gateway", "version", version.Full())
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitInitFailure)
	}

	// 2. Event bus
	events := bus.New()
	defer events.Close()

	// 3. Database (runs migrations)
	dbCfg, err := storage.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(exitInitFailure)
	}
	dbClient, err := storage.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(exitInitFailure)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	graphStore := storage.NewGraphStore(dbClient)
	capStore := storage.NewCapabilityStore(dbClient)
	traceStore := storage.NewTraceStore(dbClient)
	algoStore := storage.NewAlgorithmStore(dbClient)
	embeddingStore := storage.NewEmbeddingStore(dbClient)
	keyStore := storage.NewKeyStore(dbClient)

	// 4. Knowledge graph
	knowledgeGraph := graph.New(graphStore, events)
	if err := knowledgeGraph.SyncFromDatabase(ctx); err != nil {
		slog.Error("Failed to sync knowledge graph", "error", err)
		os.Exit(exitInitFailure)
	}
	snapshot := knowledgeGraph.Snapshot()
	slog.Info("Knowledge graph synced",
		"nodes", snapshot.Metadata.NodeCount, "edges", snapshot.Metadata.EdgeCount)

	// 5. Capability registry, store, trace store
	embedder := search.NewHTTPEmbedder(
		getEnv("EMBEDDING_URL", "http://localhost:8100/v1/embeddings"),
		getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		search.WithAPIKey(os.Getenv("EMBEDDING_API_KEY")),
	)
	registry := capability.NewRegistry(capStore, events)
	capabilities := capability.NewStore(registry, capStore, capStore, embedder)
	traces := trace.NewStore(traceStore)

	// 6. Unified search
	searcher := search.New(embedder, embeddingStore, knowledgeGraph)

	// 7. Upstream tool servers
	var servers []upstream.ServerConfig
	if path := os.Getenv("TOOL_SERVERS_FILE"); path != "" {
		servers, err = upstream.LoadServersFromFile(path)
		if err != nil {
			slog.Error("Failed to load tool server config", "error", err)
			os.Exit(exitInitFailure)
		}
	}
	connPool := pool.New(
		pool.WithMaxConnections(cfg.Pool.MaxSize),
		pool.WithIdleTimeout(cfg.Pool.IdleTimeout),
	)
	tools := upstream.NewManager(servers, connPool)
	defer tools.Close()
	slog.Info("Tool servers configured", "count", len(servers))

	// 8. Sandbox bridge. The capability table re-enters the bridge, so the
	// handlers close over the variable assigned below.
	var bridge *sandbox.Bridge
	capTable := buildCapabilityTable(ctx, registry, capStore, func() *sandbox.Bridge { return bridge })
	bridge = sandbox.New(tools.ToolTable(ctx), capTable,
		sandbox.WithMaxCapabilityDepth(cfg.Sandbox.MaxCapabilityDepth),
		sandbox.WithPublisher(events))
	defer bridge.Terminate()

	// 9. DAG executor
	dagExecutor := executor.New(tools, bridge, events, executor.Config{
		MaxConcurrency: cfg.Executor.MaxConcurrency,
		TaskTimeout:    cfg.Executor.TaskTimeout,
		AIL: executor.AILConfig{
			Enabled: cfg.Executor.AILEnabled,
			Trigger: executor.GateTrigger(cfg.Executor.AILTrigger),
			Timeout: cfg.Executor.AILTimeout,
		},
		HIL: executor.HILConfig{
			Enabled:          cfg.Executor.HILEnabled,
			ApprovalRequired: cfg.Executor.HILApproval,
			Timeout:          cfg.Executor.HILTimeout,
		},
	})

	// 10. Algorithm tracer
	tracer := algo.NewTracer(algoStore)
	defer tracer.Close()

	// 11. Graph-sync controller
	syncController := graphsync.New(events, knowledgeGraph, registry,
		graphsync.WithContainsSource(graphStore))
	syncController.Start()
	defer syncController.Stop()

	// 12. MCP service
	mcpService := mcpserver.NewService(searcher, dagExecutor, bridge, traces, knowledgeGraph,
		mcpserver.WithCodeTimeout(cfg.Sandbox.Timeout),
		mcpserver.WithDecisionRecorder(tracer))

	// 13. SSE stream manager + HTTP server
	stream := api.NewStreamManager(events, api.StreamOptions{
		MaxClients:        cfg.SSE.MaxClients,
		ClientBufferSize:  cfg.SSE.ClientBufferSize,
		HeartbeatInterval: cfg.SSE.HeartbeatInterval,
	})
	defer stream.Close()

	metrics := api.NewMetrics()
	metrics.ObserveBus(events)

	server := api.NewServer(cfg, knowledgeGraph, registry, capabilities, keyStore,
		mcpService, stream, api.WithHealthChecker(dbClient), api.WithMetrics(metrics))

	addr := ":" + strconv.Itoa(cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("Failed to bind HTTP port", "addr", addr, "error", err)
		var opErr *net.OpError
		if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRINUSE) {
			os.Exit(exitPortInUse)
		}
		os.Exit(exitInitFailure)
	}

	httpServer := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr, "mode", string(cfg.Mode))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 14. Optional MCP stdio transport
	stdioCtx, stdioCancel := context.WithCancel(ctx)
	defer stdioCancel()
	if *stdio {
		go func() {
			if err := mcpService.ServeStdio(stdioCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio transport error", "error", err)
			}
		}()
		slog.Info("MCP stdio transport started")
	}

	events.Emit(models.Event{Type: models.EventSystemStartup, Source: "main"})
	slog.Info("Gateway started")

	// 15. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 16. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	events.Emit(models.Event{Type: models.EventSystemShutdown, Source: "main"})
	events.Drain()
	tracer.Flush(shutdownCtx)
	slog.Info("Shutdown complete")
}

// buildCapabilityTable exposes each registered capability as a sandbox
// binding that runs the capability's stored pattern code and records usage.
func buildCapabilityTable(ctx context.Context, registry *capability.Registry, patterns *storage.CapabilityStore, getBridge func() *sandbox.Bridge) sandbox.CapabilityTable {
	recs, _, err := registry.List(ctx, models.Scope{}, capability.ListOptions{Limit: 1000})
	if err != nil {
		slog.Warn("Could not list capabilities for sandbox table", "error", err)
		return sandbox.CapabilityTable{}
	}

	table := make(sandbox.CapabilityTable, len(recs))
	for _, rec := range recs {
		table[rec.FQDN.DisplayName()] = func(ctx context.Context, args map[string]any) (any, error) {
			pattern, found, err := patterns.GetPattern(ctx, rec.WorkflowPatternID)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, models.NewError(models.KindNotFound,
					"capability %s has no stored pattern", rec.FQDN.DisplayName())
			}

			perm := models.EffectivePermissionSet(
				rec.PermissionSet, rec.PermissionSource, rec.PermissionConfidence)
			started := time.Now()
			res := getBridge().Execute(ctx, pattern.Code, sandbox.Options{
				PermissionSet: perm,
				Globals:       map[string]any{"args": args},
			})
			latency := time.Since(started).Milliseconds()
			if err := registry.RecordUsage(ctx, rec.ID, res.Success, latency); err != nil {
				slog.Warn("Capability usage recording failed", "capability", rec.ID, "error", err)
			}
			if !res.Success {
				kind := res.ErrorType
				if kind == "" {
					kind = models.KindInternal
				}
				return nil, models.NewError(kind, "%s", res.Error)
			}
			return res.Result, nil
		}
	}
	return table
}
