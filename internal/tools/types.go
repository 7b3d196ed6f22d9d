// Package tools routes LLM function calls to their executors: built-in
// plugins, server-side MCP tools, device IoT commands, device-side MCP
// and remote MCP endpoints.
package tools

import (
	"context"

	"github.com/openspeaker/gateway/internal/llm"
)

// Action tells the session what to do with a tool result.
type Action int

const (
	// ActionNone means the tool ran for its side effect only.
	ActionNone Action = iota
	// ActionResponse carries text to speak directly, no second LLM call.
	ActionResponse
	// ActionReqLLM feeds the result back to the LLM for a follow-up turn.
	ActionReqLLM
	// ActionNotFound means no executor knows the tool.
	ActionNotFound
	// ActionError means the executor failed.
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionResponse:
		return "response"
	case ActionReqLLM:
		return "req_llm"
	case ActionNotFound:
		return "not_found"
	case ActionError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one tool execution.
type Result struct {
	Action Action
	// Response is spoken directly for ActionResponse.
	Response string
	// Content goes into the tool message for ActionReqLLM, ActionNotFound
	// and ActionError.
	Content string
}

// Source identifies where a tool's executor lives. Sources double as
// lookup precedence: a name is resolved against sources in the order
// declared below.
type Source string

const (
	SourcePlugin      Source = "plugin"
	SourceServerMCP   Source = "server_mcp"
	SourceDeviceIoT   Source = "device_iot"
	SourceDeviceMCP   Source = "device_mcp"
	SourceEndpointMCP Source = "mcp_endpoint"
)

var sourceOrder = []Source{SourcePlugin, SourceServerMCP, SourceDeviceIoT, SourceDeviceMCP, SourceEndpointMCP}

// Tool is one callable function.
type Tool interface {
	Name() string
	Definition() llm.Tool
	Execute(ctx context.Context, args map[string]any) (Result, error)
}
