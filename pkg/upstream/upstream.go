// Package upstream manages MCP client sessions to the backing tool servers.
// Sessions are pooled per server id with idle expiry; the manager is the tool
// executor behind DAG tasks and the host-side tool table behind the sandbox.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/pool"
	"github.com/pml-dev/gateway/pkg/sandbox"
	"github.com/pml-dev/gateway/pkg/version"
)

// TransportType selects how a tool server is reached.
type TransportType string

// Transport types.
const (
	TransportTypeStdio TransportType = "stdio"
	TransportTypeHTTP  TransportType = "http"
	TransportTypeSSE   TransportType = "sse"
)

// TransportConfig describes one tool server's transport.
type TransportConfig struct {
	Type TransportType `json:"type"`

	// Stdio.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP / SSE.
	URL         string        `json:"url,omitempty"`
	BearerToken string        `json:"bearer_token,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// ServerConfig is one upstream tool server.
type ServerConfig struct {
	ID        string          `json:"id"`
	Transport TransportConfig `json:"transport"`
}

// Timeouts.
const (
	InitTimeout      = 30 * time.Second
	OperationTimeout = 60 * time.Second
)

// Manager holds the configured server set and acquires pooled sessions on
// demand. Safe for concurrent use.
type Manager struct {
	servers map[string]ServerConfig
	pool    *pool.Pool
	logger  *slog.Logger

	// dial is the connection factory; tests swap it for in-memory transports.
	dial func(ctx context.Context, cfg ServerConfig) (pool.Connection, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over the configured servers, backed by the
// given connection pool.
func NewManager(servers []ServerConfig, p *pool.Pool, opts ...Option) *Manager {
	m := &Manager{
		servers: make(map[string]ServerConfig, len(servers)),
		pool:    p,
		logger:  slog.Default(),
	}
	for _, s := range servers {
		m.servers[s.ID] = s
	}
	m.dial = m.connect
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServerIDs returns the configured server ids.
func (m *Manager) ServerIDs() []string {
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	return ids
}

// sessionConn adapts an SDK session to the pool's Connection.
type sessionConn struct {
	session *mcpsdk.ClientSession
}

func (c *sessionConn) Disconnect(context.Context) error { return c.session.Close() }

// session returns the pooled session for a server, connecting on first use.
func (m *Manager) session(ctx context.Context, serverID string) (*mcpsdk.ClientSession, error) {
	cfg, ok := m.servers[serverID]
	if !ok {
		return nil, models.NewError(models.KindValidation, "unknown server %q", serverID)
	}

	conn, err := m.pool.Acquire(ctx, serverID, func(ctx context.Context) (pool.Connection, error) {
		return m.dial(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return conn.(*sessionConn).session, nil
}

// connect dials one server and completes the MCP handshake.
func (m *Manager) connect(ctx context.Context, cfg ServerConfig) (pool.Connection, error) {
	transport, err := createTransport(cfg.Transport)
	if err != nil {
		return nil, models.WrapError(models.KindValidation, err, "transport for %q", cfg.ID)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it holds resources (stdio child processes).
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, models.WrapError(models.KindUnavailableService, err, "connect to %q", cfg.ID)
	}
	m.logger.Info("Tool server connected", "server", cfg.ID)
	return &sessionConn{session: session}, nil
}

// CallTool executes one tool on the named server and decodes the result.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (any, error) {
	session, err := m.session(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer m.pool.Release(serverID)

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, models.WrapError(models.KindUnavailableService, err, "call %s.%s", serverID, toolName)
	}
	return decodeResult(serverID, toolName, result)
}

// Execute implements the DAG executor's tool port: the task's tool name is
// "server.tool".
func (m *Manager) Execute(ctx context.Context, task models.Task, args map[string]any) (any, error) {
	serverID, toolName, ok := strings.Cut(task.Tool, ".")
	if !ok {
		return nil, models.NewError(models.KindValidation,
			"task %s tool %q is not of the form server.tool", task.ID, task.Tool)
	}
	return m.CallTool(ctx, serverID, toolName, args)
}

// ListTools lists one server's tools.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]models.ToolDescriptor, error) {
	session, err := m.session(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer m.pool.Release(serverID)

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, models.WrapError(models.KindUnavailableService, err, "list tools from %q", serverID)
	}

	tools := make([]models.ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		d := models.ToolDescriptor{Name: t.Name, Description: t.Description}
		if schema, ok := t.InputSchema.(map[string]any); ok && len(schema) > 0 {
			d.InputSchema = schema
		}
		tools = append(tools, d)
	}
	return tools, nil
}

// ToolTable builds the sandbox's host-side tool table from every reachable
// server. Servers that fail to list are skipped with a warning so a single
// dead server does not take the sandbox down.
func (m *Manager) ToolTable(ctx context.Context) sandbox.ToolTable {
	table := make(sandbox.ToolTable, len(m.servers))
	for id := range m.servers {
		tools, err := m.ListTools(ctx, id)
		if err != nil {
			m.logger.Warn("Skipping tool server", "server", id, "error", err)
			continue
		}
		serverID := id
		handlers := make(map[string]sandbox.ToolHandler, len(tools))
		for _, t := range tools {
			toolName := t.Name
			handlers[toolName] = func(ctx context.Context, args map[string]any) (any, error) {
				return m.CallTool(ctx, serverID, toolName, args)
			}
		}
		table[serverID] = handlers
	}
	return table
}

// Close disconnects all pooled sessions.
func (m *Manager) Close() {
	m.pool.Close()
}

// decodeResult flattens an SDK tool result: error results surface as errors,
// text content is JSON-decoded when it parses, kept verbatim otherwise.
func decodeResult(serverID, toolName string, result *mcpsdk.CallToolResult) (any, error) {
	text := extractText(result)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, models.NewError(models.KindInternal, "%s.%s: %s", serverID, toolName, msg)
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	if text == "" {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

// extractText concatenates the text content items of a result. Non-text
// content is skipped.
func extractText(result *mcpsdk.CallToolResult) string {
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// createTransport builds an SDK transport from config.
func createTransport(cfg TransportConfig) (mcpsdk.Transport, error) {
	switch cfg.Type {
	case TransportTypeStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires command")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportTypeHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires url")
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.BearerToken != "" || cfg.Timeout > 0 {
			t.HTTPClient = buildHTTPClient(cfg)
		}
		return t, nil

	case TransportTypeSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport requires url")
		}
		t := &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}
		if cfg.BearerToken != "" || cfg.Timeout > 0 {
			t.HTTPClient = buildHTTPClient(cfg)
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unsupported transport type %q", cfg.Type)
	}
}

func buildHTTPClient(cfg TransportConfig) *http.Client {
	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	httpTransport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	client := &http.Client{Transport: httpTransport}
	if cfg.BearerToken != "" {
		client.Transport = &bearerTokenTransport{base: client.Transport, token: cfg.BearerToken}
	}
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return client
}

// bearerTokenTransport adds Authorization headers to every request.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
