package tools

import (
	"context"

	"github.com/openspeaker/gateway/internal/llm"
)

// funcTool adapts a plain function into a Tool. All built-in plugins
// are funcTools.
type funcTool struct {
	name        string
	description string
	parameters  map[string]any
	execute     func(ctx context.Context, args map[string]any) (Result, error)
}

func (t *funcTool) Name() string { return t.name }

func (t *funcTool) Definition() llm.Tool {
	params := t.parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        t.name,
			Description: t.description,
			Parameters:  params,
		},
	}
}

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return t.execute(ctx, args)
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
