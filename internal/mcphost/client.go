package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const callTimeout = 30 * time.Second

// Client drives the MCP handshake and request/response matching over a
// Transport.
type Client struct {
	name         string
	transport    Transport
	mu           sync.RWMutex
	nextID       atomic.Int64
	pendingCalls map[any]chan *JSONRPCResponse
	initialized  bool
	serverInfo   *ServerInfo
	capabilities ClientCapabilities
	closeCh      chan struct{}
	closeOnce    sync.Once
}

func NewClient(name string, transport Transport) *Client {
	return &Client{
		name:         name,
		transport:    transport,
		pendingCalls: make(map[any]chan *JSONRPCResponse),
		capabilities: ClientCapabilities{Experimental: map[string]any{}},
		closeCh:      make(chan struct{}),
	}
}

// SetCapabilities overrides the capabilities announced during the
// handshake. Must be called before Initialize.
func (c *Client) SetCapabilities(caps ClientCapabilities) {
	c.mu.Lock()
	c.capabilities = caps
	c.mu.Unlock()
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.RLock()
	caps := c.capabilities
	c.mu.RUnlock()

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    caps,
		"clientInfo":      ClientInfo{Name: "openspeaker-gateway", Version: "0.1.0"},
	}

	go c.receiveLoop()

	result, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = &initResult.ServerInfo
	c.mu.Unlock()

	if err := c.notify(ctx, MethodInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools pages through tools/list until the cursor runs out.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	var all []ToolDescriptor
	var cursor *string
	for {
		params := map[string]any{}
		if cursor != nil {
			params["cursor"] = *cursor
		}

		result, err := c.call(ctx, MethodToolsList, params)
		if err != nil {
			return nil, fmt.Errorf("tools/list failed: %w", err)
		}

		var listResult ToolsListResult
		if err := json.Unmarshal(result, &listResult); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}

		all = append(all, listResult.Tools...)
		if listResult.NextCursor == nil {
			break
		}
		cursor = listResult.NextCursor
	}
	return all, nil
}

func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolsCallResult, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}

	result, err := c.call(ctx, MethodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}

	var callResult ToolsCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &callResult, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, MethodPing, map[string]any{})
	return err
}

func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)

		c.mu.Lock()
		for _, ch := range c.pendingCalls {
			close(ch)
		}
		c.pendingCalls = make(map[any]chan *JSONRPCResponse)
		c.initialized = false
		c.mu.Unlock()

		if c.transport != nil {
			err = c.transport.Close()
		}
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := NewJSONRPCRequest(id, method, params)

	respCh := make(chan *JSONRPCResponse, 1)
	c.mu.Lock()
	c.pendingCalls[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("response channel closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("JSON-RPC error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("request timeout")
	}
}

func (c *Client) notify(ctx context.Context, method string, params map[string]any) error {
	return c.transport.Send(ctx, NewJSONRPCNotification(method, params))
}

func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case msg := <-c.transport.Receive():
			if msg.Error != nil {
				continue
			}
			c.handleMessage(msg.Data)
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil {
		c.handleResponse(&resp)
	}
	// Notifications from the server are ignored.
}

func (c *Client) handleResponse(resp *JSONRPCResponse) {
	// JSON numbers decode as float64; request IDs are int64.
	id := resp.ID
	if f, ok := id.(float64); ok {
		id = int64(f)
	}

	c.mu.RLock()
	ch, exists := c.pendingCalls[id]
	c.mu.RUnlock()
	if !exists {
		return
	}

	select {
	case ch <- resp:
	default:
	}
}
