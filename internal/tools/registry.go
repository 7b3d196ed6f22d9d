package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/openspeaker/gateway/internal/adapters/metrics"
	"github.com/openspeaker/gateway/internal/llm"
)

// Registry holds the tools visible to one connection, grouped by
// source. Registration is idempotent per (source, name).
type Registry struct {
	mu       sync.RWMutex
	bySource map[Source]map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{bySource: make(map[Source]map[string]Tool)}
}

// Register adds a tool under source, replacing any previous tool of the
// same name from that source.
func (r *Registry) Register(source Source, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bySource[source] == nil {
		r.bySource[source] = make(map[string]Tool)
	}
	if _, exists := r.bySource[source][tool.Name()]; exists {
		slog.Debug("tools: re-registering tool", "source", source, "name", tool.Name())
	}
	r.bySource[source][tool.Name()] = tool
}

// Unregister drops every tool from source, used when a device
// re-announces its capabilities.
func (r *Registry) Unregister(source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySource, source)
}

// Lookup resolves name following source precedence.
func (r *Registry) Lookup(name string) (Tool, Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, source := range sourceOrder {
		if tool, ok := r.bySource[source][name]; ok {
			return tool, source, true
		}
	}
	return nil, "", false
}

// Definitions returns the merged function list for the LLM. When two
// sources export the same name, the higher-precedence source wins and
// the shadowed definition is logged.
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]Source)
	var out []llm.Tool
	for _, source := range sourceOrder {
		names := make([]string, 0, len(r.bySource[source]))
		for name := range r.bySource[source] {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if winner, dup := seen[name]; dup {
				slog.Warn("tools: duplicate tool name shadowed", "name", name, "kept", winner, "shadowed", source)
				continue
			}
			seen[name] = source
			out = append(out, r.bySource[source][name].Definition())
		}
	}
	return out
}

// Names lists every resolvable tool name.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	return names
}

// Execute resolves and runs one LLM tool call. The error cases fold
// into the Result so the session can always report something back to
// the model.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) Result {
	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			slog.Warn("tools: malformed arguments", "name", call.Function.Name, "error", err)
			metrics.ToolCallsTotal.WithLabelValues("unknown", ActionError.String()).Inc()
			return Result{Action: ActionError, Content: fmt.Sprintf("invalid arguments for %s: %v", call.Function.Name, err)}
		}
	}

	tool, source, ok := r.Lookup(call.Function.Name)
	if !ok {
		slog.Warn("tools: tool not found", "name", call.Function.Name)
		metrics.ToolCallsTotal.WithLabelValues("unknown", ActionNotFound.String()).Inc()
		return Result{Action: ActionNotFound, Content: fmt.Sprintf("tool %s does not exist", call.Function.Name)}
	}

	slog.Info("tools: executing", "name", call.Function.Name, "source", source)
	result, err := tool.Execute(ctx, args)
	if err != nil {
		slog.Error("tools: execution failed", "name", call.Function.Name, "source", source, "error", err)
		metrics.ToolCallsTotal.WithLabelValues(string(source), ActionError.String()).Inc()
		return Result{Action: ActionError, Content: fmt.Sprintf("tool %s failed: %v", call.Function.Name, err)}
	}

	metrics.ToolCallsTotal.WithLabelValues(string(source), result.Action.String()).Inc()
	return result
}
