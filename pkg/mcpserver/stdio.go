package mcpserver

import (
	"context"
	"encoding/json"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pml-dev/gateway/pkg/models"
	"github.com/pml-dev/gateway/pkg/version"
)

// SDKServer builds the go-sdk MCP server exposing the gateway's tool surface.
func (s *Service) SDKServer() *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	for _, tool := range s.ListTools(context.Background()) {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			schema = []byte(`{"type":"object"}`)
		}
		name := tool.Name
		server.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: tool.Description,
			InputSchema: json.RawMessage(schema),
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return s.handleSDKCall(ctx, name, req)
		})
	}
	return server
}

// ServeStdio runs the MCP server over stdin/stdout until ctx is cancelled.
func (s *Service) ServeStdio(ctx context.Context) error {
	return s.SDKServer().Run(ctx, &mcpsdk.StdioTransport{})
}

// handleSDKCall bridges one SDK tool invocation into CallTool. Results are
// rendered as a single JSON text content item; validation faults surface as
// error results so the SDK maps them to invalid-params.
func (s *Service) handleSDKCall(ctx context.Context, name string, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args map[string]any
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, models.WrapError(models.KindValidation, err, "decode arguments")
		}
	}

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "encode result")
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil
}
