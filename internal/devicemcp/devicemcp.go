// Package devicemcp runs MCP against the tool server embedded in the
// speaker firmware. JSON-RPC messages ride as payloads inside "mcp"
// messages on the device's own websocket connection.
package devicemcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openspeaker/gateway/internal/llm"
	"github.com/openspeaker/gateway/internal/mcphost"
	"github.com/openspeaker/gateway/internal/tools"
)

// SendPayloadFunc wraps a JSON-RPC payload into an mcp message and
// writes it to the device.
type SendPayloadFunc func(payload json.RawMessage) error

// Bridge is the per-connection MCP client for the device's embedded
// tool server.
type Bridge struct {
	transport *payloadTransport
	client    *mcphost.Client
}

// VisionEndpoint points the device camera tool at the gateway's image
// analysis endpoint.
type VisionEndpoint struct {
	URL   string
	Token string
}

func NewBridge(send SendPayloadFunc, vision *VisionEndpoint) *Bridge {
	transport := newPayloadTransport(send)
	client := mcphost.NewClient("device", transport)

	caps := mcphost.ClientCapabilities{Experimental: map[string]any{}}
	if vision != nil && vision.URL != "" {
		caps.Vision = map[string]any{"url": vision.URL, "token": vision.Token}
	}
	client.SetCapabilities(caps)

	return &Bridge{transport: transport, client: client}
}

// Initialize runs the MCP handshake. Call after the device's hello.
func (b *Bridge) Initialize(ctx context.Context) error {
	return b.client.Initialize(ctx)
}

// HandlePayload feeds one inbound mcp message payload to the client.
func (b *Bridge) HandlePayload(payload json.RawMessage) {
	b.transport.deliver(payload)
}

// RegisterTools discovers the device's tools and registers them under
// the device MCP source, replacing any previous set.
func (b *Bridge) RegisterTools(ctx context.Context, reg *tools.Registry) error {
	descriptors, err := b.client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list device tools: %w", err)
	}

	reg.Unregister(tools.SourceDeviceMCP)
	for _, d := range descriptors {
		d := d
		reg.Register(tools.SourceDeviceMCP, &deviceTool{bridge: b, descriptor: d})
	}
	slog.Info("devicemcp: registered device tools", "count", len(descriptors))
	return nil
}

func (b *Bridge) Close() error {
	return b.client.Close()
}

type deviceTool struct {
	bridge     *Bridge
	descriptor mcphost.ToolDescriptor
}

func (t *deviceTool) Name() string { return t.descriptor.Name }

func (t *deviceTool) Definition() llm.Tool {
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

func (t *deviceTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	result, err := t.bridge.client.CallTool(ctx, t.descriptor.Name, args)
	if err != nil {
		return tools.Result{}, err
	}

	text := mcphost.FlattenContent(result.Content)
	if result.IsError {
		return tools.Result{Action: tools.ActionError, Content: text}, nil
	}
	return tools.Result{Action: tools.ActionReqLLM, Content: text}, nil
}

// payloadTransport adapts the websocket payload tunnel to the mcphost
// Transport interface.
type payloadTransport struct {
	send      SendPayloadFunc
	receiveCh chan mcphost.Message
	closeCh   chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	connected bool
}

func newPayloadTransport(send SendPayloadFunc) *payloadTransport {
	return &payloadTransport{
		send:      send,
		receiveCh: make(chan mcphost.Message, 10),
		closeCh:   make(chan struct{}),
		connected: true,
	}
}

func (t *payloadTransport) Send(_ context.Context, message any) error {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return fmt.Errorf("transport not connected")
	}
	t.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return t.send(data)
}

func (t *payloadTransport) deliver(payload json.RawMessage) {
	select {
	case t.receiveCh <- mcphost.Message{Data: payload}:
	case <-t.closeCh:
	default:
		slog.Warn("devicemcp: dropping payload, receive buffer full")
	}
}

func (t *payloadTransport) Receive() <-chan mcphost.Message {
	return t.receiveCh
}

func (t *payloadTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	})
	return nil
}

func (t *payloadTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}
