package devicemcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspeaker/gateway/internal/mcphost"
	"github.com/openspeaker/gateway/internal/tools"
)

// fakeDevice answers the JSON-RPC requests a real speaker would.
type fakeDevice struct {
	mu       sync.Mutex
	bridge   *Bridge
	requests []mcphost.JSONRPCRequest
	tools    []mcphost.ToolDescriptor
	callText string
}

func newFakeDevice(deviceTools []mcphost.ToolDescriptor, callText string, vision *VisionEndpoint) *fakeDevice {
	d := &fakeDevice{tools: deviceTools, callText: callText}
	d.bridge = NewBridge(d.receive, vision)
	return d
}

// receive plays the device side: parse the payload, push the response
// back through the bridge.
func (d *fakeDevice) receive(payload json.RawMessage) error {
	var req mcphost.JSONRPCRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}

	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	if req.ID == nil {
		return nil
	}

	var result any
	switch req.Method {
	case mcphost.MethodInitialize:
		result = mcphost.InitializeResult{
			ProtocolVersion: mcphost.ProtocolVersion,
			ServerInfo:      mcphost.ServerInfo{Name: "speaker", Version: "1.0"},
		}
	case mcphost.MethodToolsList:
		result = mcphost.ToolsListResult{Tools: d.tools}
	case mcphost.MethodToolsCall:
		result = mcphost.ToolsCallResult{
			Content: []mcphost.ContentItem{{Type: "text", Text: d.callText}},
		}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	resp, err := json.Marshal(mcphost.JSONRPCResponse{JSONRPC: mcphost.JSONRPCVersion, ID: req.ID, Result: raw})
	if err != nil {
		return err
	}
	d.bridge.HandlePayload(resp)
	return nil
}

func (d *fakeDevice) initializeRequest(t *testing.T) mcphost.JSONRPCRequest {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, req := range d.requests {
		if req.Method == mcphost.MethodInitialize {
			return req
		}
	}
	t.Fatal("no initialize request seen")
	return mcphost.JSONRPCRequest{}
}

func TestBridgeInitializeAndRegisterTools(t *testing.T) {
	device := newFakeDevice([]mcphost.ToolDescriptor{
		{Name: "self_camera_take_photo", Description: "Take a photo"},
		{Name: "self_speaker_set_volume", Description: "Set volume"},
	}, "", nil)
	defer device.bridge.Close()

	require.NoError(t, device.bridge.Initialize(context.Background()))

	reg := tools.NewRegistry()
	require.NoError(t, device.bridge.RegisterTools(context.Background(), reg))
	assert.ElementsMatch(t, []string{"self_camera_take_photo", "self_speaker_set_volume"}, reg.Names())

	_, source, ok := reg.Lookup("self_camera_take_photo")
	require.True(t, ok)
	assert.Equal(t, tools.SourceDeviceMCP, source)
}

func TestBridgeAnnouncesVisionEndpoint(t *testing.T) {
	device := newFakeDevice(nil, "", &VisionEndpoint{
		URL:   "http://gateway.local:8003/mcp/vision/explain",
		Token: "jwt-token",
	})
	defer device.bridge.Close()
	require.NoError(t, device.bridge.Initialize(context.Background()))

	req := device.initializeRequest(t)
	caps, ok := req.Params["capabilities"].(map[string]any)
	require.True(t, ok)
	vision, ok := caps["vision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "http://gateway.local:8003/mcp/vision/explain", vision["url"])
	assert.Equal(t, "jwt-token", vision["token"])
}

func TestBridgeOmitsVisionWhenUnconfigured(t *testing.T) {
	device := newFakeDevice(nil, "", nil)
	defer device.bridge.Close()
	require.NoError(t, device.bridge.Initialize(context.Background()))

	req := device.initializeRequest(t)
	caps, ok := req.Params["capabilities"].(map[string]any)
	require.True(t, ok)
	_, hasVision := caps["vision"]
	assert.False(t, hasVision)
}

func TestDeviceToolExecute(t *testing.T) {
	device := newFakeDevice([]mcphost.ToolDescriptor{
		{Name: "self_speaker_set_volume"},
	}, "volume is now 60", nil)
	defer device.bridge.Close()
	require.NoError(t, device.bridge.Initialize(context.Background()))

	reg := tools.NewRegistry()
	require.NoError(t, device.bridge.RegisterTools(context.Background(), reg))

	tool, _, ok := reg.Lookup("self_speaker_set_volume")
	require.True(t, ok)

	res, err := tool.Execute(context.Background(), map[string]any{"volume": 60})
	require.NoError(t, err)
	assert.Equal(t, tools.ActionReqLLM, res.Action)
	assert.Equal(t, "volume is now 60", res.Content)
}

func TestRegisterToolsReplacesPreviousSet(t *testing.T) {
	device := newFakeDevice([]mcphost.ToolDescriptor{{Name: "tool_a"}}, "", nil)
	defer device.bridge.Close()
	require.NoError(t, device.bridge.Initialize(context.Background()))

	reg := tools.NewRegistry()
	require.NoError(t, device.bridge.RegisterTools(context.Background(), reg))

	device.mu.Lock()
	device.tools = []mcphost.ToolDescriptor{{Name: "tool_b"}}
	device.mu.Unlock()

	require.NoError(t, device.bridge.RegisterTools(context.Background(), reg))
	assert.ElementsMatch(t, []string{"tool_b"}, reg.Names())
}
