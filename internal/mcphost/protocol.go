// Package mcphost speaks MCP (JSON-RPC 2.0) to external tool servers:
// locally spawned stdio servers and the remote websocket tool endpoint.
package mcphost

import "encoding/json"

const JSONRPCVersion = "2.0"

const ProtocolVersion = "2024-11-05"

type JSONRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type JSONRPCNotification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
)

type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
	Sampling     map[string]any `json:"sampling,omitempty"`
	// Vision tells a device-side MCP server where to upload camera
	// captures for analysis.
	Vision map[string]any `json:"vision,omitempty"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

type ServerCapabilities struct {
	Experimental map[string]any   `json:"experimental,omitempty"`
	Logging      map[string]any   `json:"logging,omitempty"`
	Tools        *ToolsCapability `json:"tools,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ToolsListResult struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor *string          `json:"nextCursor,omitempty"`
}

// ToolDescriptor is a tool as announced by an MCP server.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

type ToolsCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func NewJSONRPCRequest(id any, method string, params map[string]any) *JSONRPCRequest {
	return &JSONRPCRequest{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

func NewJSONRPCNotification(method string, params map[string]any) *JSONRPCNotification {
	return &JSONRPCNotification{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}
