package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pml-dev/gateway/pkg/models"
)

// JSON-RPC 2.0 error codes used by the /mcp transport.
const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// handleMCP serves the same JSON-RPC surface as the stdio transport over
// HTTP. Responses are always 200 with the error carried in the envelope.
func (s *Server) handleMCP(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcParseError, Message: "parse error"},
		})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = s.mcp.Initialize()

	case "tools/list":
		resp.Result = gin.H{"tools": s.mcp.ListTools(c.Request.Context())}

	case "tools/call":
		var params callToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			resp.Error = &rpcError{Code: rpcInvalidParams, Message: "invalid params"}
			break
		}
		result, err := s.mcp.CallTool(c.Request.Context(), params.Name, params.Arguments)
		if err != nil {
			resp.Error = rpcErrorFor(err)
			break
		}
		resp.Result = result

	default:
		resp.Error = &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}
	}
	c.JSON(http.StatusOK, resp)
}

// rpcErrorFor maps gateway error kinds onto JSON-RPC codes.
func rpcErrorFor(err error) *rpcError {
	switch models.KindOf(err) {
	case models.KindValidation:
		return &rpcError{Code: rpcInvalidParams, Message: err.Error()}
	case models.KindNotFound:
		return &rpcError{Code: rpcMethodNotFound, Message: err.Error()}
	default:
		return &rpcError{Code: rpcInternalError, Message: err.Error()}
	}
}
