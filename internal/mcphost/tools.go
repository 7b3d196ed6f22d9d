package mcphost

import (
	"context"
	"fmt"
	"strings"

	"github.com/openspeaker/gateway/internal/llm"
	"github.com/openspeaker/gateway/internal/tools"
)

// remoteTool exposes one MCP server tool through the tool registry.
type remoteTool struct {
	client     *Client
	descriptor ToolDescriptor
}

func (t *remoteTool) Name() string { return t.descriptor.Name }

func (t *remoteTool) Definition() llm.Tool {
	schema := t.descriptor.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        t.descriptor.Name,
			Description: t.descriptor.Description,
			Parameters:  schema,
		},
	}
}

func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	result, err := t.client.CallTool(ctx, t.descriptor.Name, args)
	if err != nil {
		return tools.Result{}, err
	}

	text := FlattenContent(result.Content)
	if result.IsError {
		return tools.Result{Action: tools.ActionError, Content: text}, nil
	}
	return tools.Result{Action: tools.ActionReqLLM, Content: text}, nil
}

// FlattenContent joins the text items of an MCP result into one string.
func FlattenContent(items []ContentItem) string {
	var parts []string
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	if len(parts) == 0 {
		return "(no output)"
	}
	return strings.Join(parts, "\n")
}

// EndpointName is the reserved server name for the shared websocket
// tool endpoint. Its tools register under a lower lookup precedence
// than local server tools.
const EndpointName = "mcp_endpoint"

// RegisterTools discovers every tool of every connected server and
// registers them. Discovery failures are per-server and non-fatal.
func (m *Manager) RegisterTools(ctx context.Context, reg *tools.Registry) error {
	var errs []string
	for _, name := range m.ServerNames() {
		source := tools.SourceServerMCP
		if name == EndpointName {
			source = tools.SourceEndpointMCP
		}

		client, err := m.Client(name)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		descriptors, err := client.ListTools(ctx)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		for _, d := range descriptors {
			reg.Register(source, &remoteTool{client: client, descriptor: d})
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("tool discovery: %s", strings.Join(errs, "; "))
	}
	return nil
}
