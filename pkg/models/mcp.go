package models

// ToolDescriptor describes one gateway tool as exposed over MCP transports
// (stdio and POST /mcp).
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}
