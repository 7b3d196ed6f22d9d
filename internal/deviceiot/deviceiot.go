// Package deviceiot turns the capability descriptors an IoT-protocol
// device announces into callable tools, and caches the property states
// the device streams back.
package deviceiot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openspeaker/gateway/internal/llm"
	"github.com/openspeaker/gateway/internal/tools"
)

// Descriptor is one device-side thing (speaker, screen, lamp) with its
// readable properties and invokable methods.
type Descriptor struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Methods     map[string]Method   `json:"methods,omitempty"`
}

type Property struct {
	Description string `json:"description"`
	Type        string `json:"type"`
}

type Method struct {
	Description string               `json:"description"`
	Parameters  map[string]Parameter `json:"parameters,omitempty"`
}

type Parameter struct {
	Description string `json:"description"`
	Type        string `json:"type"`
}

// State is one property-state report from the device.
type State struct {
	Name  string         `json:"name"`
	State map[string]any `json:"state"`
}

// Command is sent to the device to invoke a method.
type Command struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SendCommandFunc delivers a command over the device websocket.
type SendCommandFunc func(ctx context.Context, cmd Command) error

// Hub holds one connection's IoT surface: the last known states and the
// command channel back to the device.
type Hub struct {
	mu     sync.RWMutex
	states map[string]map[string]any
	send   SendCommandFunc
}

func NewHub(send SendCommandFunc) *Hub {
	return &Hub{
		states: make(map[string]map[string]any),
		send:   send,
	}
}

// UpdateStates merges a states report into the cache. Properties not
// mentioned keep their previous value.
func (h *Hub) UpdateStates(states []State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range states {
		if h.states[s.Name] == nil {
			h.states[s.Name] = make(map[string]any)
		}
		for k, v := range s.State {
			h.states[s.Name][k] = v
		}
	}
}

// State reads one cached property value.
func (h *Hub) State(device, property string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.states[device][property]
	return v, ok
}

// RegisterDescriptors replaces the device's IoT tools with the ones
// derived from descs: a getter per property and one tool per method.
func (h *Hub) RegisterDescriptors(reg *tools.Registry, descs []Descriptor) {
	reg.Unregister(tools.SourceDeviceIoT)

	for _, desc := range descs {
		desc := desc
		for propName, prop := range desc.Properties {
			reg.Register(tools.SourceDeviceIoT, h.newGetter(desc, propName, prop))
		}
		for methodName, method := range desc.Methods {
			reg.Register(tools.SourceDeviceIoT, h.newMethod(desc, methodName, method))
		}
		slog.Info("deviceiot: registered descriptor",
			"device", desc.Name,
			"properties", len(desc.Properties),
			"methods", len(desc.Methods))
	}
}

func toolName(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "_"))
}

func (h *Hub) newGetter(desc Descriptor, propName string, prop Property) tools.Tool {
	device := desc.Name
	return &iotTool{
		name:        toolName("get", device, propName),
		description: fmt.Sprintf("Get %s of %s. %s", propName, desc.Description, prop.Description),
		parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		execute: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			value, ok := h.State(device, propName)
			if !ok {
				return tools.Result{
					Action:  tools.ActionError,
					Content: fmt.Sprintf("no reported state for %s.%s", device, propName),
				}, nil
			}
			return tools.Result{
				Action:  tools.ActionReqLLM,
				Content: fmt.Sprintf("%s of %s is %v", propName, device, value),
			}, nil
		},
	}
}

func (h *Hub) newMethod(desc Descriptor, methodName string, method Method) tools.Tool {
	device := desc.Name

	props := map[string]any{}
	for paramName, param := range method.Parameters {
		props[paramName] = map[string]any{
			"type":        jsonType(param.Type),
			"description": param.Description,
		}
	}

	return &iotTool{
		name:        toolName(device, methodName),
		description: fmt.Sprintf("%s. Controls %s.", method.Description, desc.Description),
		parameters:  map[string]any{"type": "object", "properties": props},
		execute: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			cmd := Command{Name: device, Method: methodName, Parameters: args}
			if err := h.send(ctx, cmd); err != nil {
				return tools.Result{}, fmt.Errorf("send iot command: %w", err)
			}
			return tools.Result{
				Action:  tools.ActionReqLLM,
				Content: fmt.Sprintf("command %s sent to %s", methodName, device),
			}, nil
		},
	}
}

// jsonType maps the device descriptor types onto JSON schema types.
func jsonType(t string) string {
	switch strings.ToLower(t) {
	case "number", "float":
		return "number"
	case "integer", "int":
		return "integer"
	case "boolean", "bool":
		return "boolean"
	default:
		return "string"
	}
}

type iotTool struct {
	name        string
	description string
	parameters  map[string]any
	execute     func(ctx context.Context, args map[string]any) (tools.Result, error)
}

func (t *iotTool) Name() string { return t.name }

func (t *iotTool) Definition() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        t.name,
			Description: t.description,
			Parameters:  t.parameters,
		},
	}
}

func (t *iotTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	return t.execute(ctx, args)
}
