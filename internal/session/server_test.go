package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspeaker/gateway/internal/config"
)

func serverConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Chat.EnableGreeting = false
	cfg.Chat.WakeupWords = []string{"hello", "hey assistant"}
	return cfg
}

func dialDevice(t *testing.T, ts *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + DevicePath
	header := http.Header{}
	if deviceID != "" {
		header.Set("Device-Id", deviceID)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestPlainHTTPAnswersRunning(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Server is running", string(body))
}

func TestHelloHandshake(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ws := dialDevice(t, ts, "aa:bb:cc:dd:ee:01")
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":         "hello",
		"audio_params": map[string]any{"format": "opus"},
	}))

	reply := readJSON(t, ws)
	assert.Equal(t, "hello", reply["type"])
	assert.Equal(t, "websocket", reply["transport"])
	assert.NotEmpty(t, reply["session_id"])

	params := reply["audio_params"].(map[string]any)
	assert.Equal(t, "opus", params["format"])
	assert.Equal(t, float64(16000), params["sample_rate"])
	assert.Equal(t, float64(60), params["frame_duration"])
}

func TestHelloNegotiatesPCM(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ws := dialDevice(t, ts, "aa:bb:cc:dd:ee:05")
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":         "hello",
		"audio_params": map[string]any{"format": "pcm"},
	}))

	reply := readJSON(t, ws)
	assert.Equal(t, "hello", reply["type"])
	params := reply["audio_params"].(map[string]any)
	assert.Equal(t, "pcm", params["format"])
}

func TestHelloUnknownFormatFallsBackToOpus(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ws := dialDevice(t, ts, "aa:bb:cc:dd:ee:06")
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":         "hello",
		"audio_params": map[string]any{"format": "mp3"},
	}))

	reply := readJSON(t, ws)
	params := reply["audio_params"].(map[string]any)
	assert.Equal(t, "opus", params["format"])
}

func TestWakeWordWithoutGreeting(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ws := dialDevice(t, ts, "aa:bb:cc:dd:ee:02")
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "hello"}))
	readJSON(t, ws) // hello reply

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":  "listen",
		"state": "detect",
		"text":  "Hello!",
	}))

	stt := readJSON(t, ws)
	assert.Equal(t, "stt", stt["type"])
	assert.Equal(t, "Hello!", stt["text"])

	// Greeting disabled: the turn closes with no audio frames.
	stop := readJSON(t, ws)
	assert.Equal(t, "tts", stop["type"])
	assert.Equal(t, "stop", stop["state"])
}

func TestConnectionTracking(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ws := dialDevice(t, ts, "aa:bb:cc:dd:ee:03")
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestRejectsMissingDeviceID(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + DevicePath
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, readErr)
	assert.Contains(t, string(body), "device-id")
}

func TestAuthRejectsUnknownDevice(t *testing.T) {
	cfg := serverConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.Tokens = []config.TokenEntry{{Token: "valid-token", Name: "test"}}

	s := NewServer(cfg, nil, nil, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + DevicePath
	header := http.Header{}
	header.Set("Device-Id", "aa:bb:cc:dd:ee:04")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// With the right bearer token the upgrade goes through.
	header.Set("Authorization", "Bearer valid-token")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	ws.Close()
}

func TestUpdateConfigRequiresManager(t *testing.T) {
	s := NewServer(serverConfig(), nil, nil, nil)
	assert.Error(t, s.UpdateConfig(context.Background()))
}

func TestOverlayConfig(t *testing.T) {
	base := serverConfig()
	remote := map[string]any{
		"llm": map[string]any{
			"url":        "http://llm.internal:9000/v1",
			"model":      "new-model",
			"max_tokens": 2048,
		},
	}

	next, err := overlayConfig(base, remote)
	require.NoError(t, err)
	assert.Equal(t, "new-model", next.LLM.Model)
	assert.Equal(t, 2048, next.LLM.MaxTokens)
	// Untouched sections survive the overlay.
	assert.Equal(t, base.TTS.Voice, next.TTS.Voice)
	// The running config is never mutated.
	assert.NotEqual(t, "new-model", base.LLM.Model)

	assert.True(t, config.LLMChanged(base, next))
	assert.False(t, config.ASRChanged(base, next))
}

func TestOverlayConfigRejectsInvalid(t *testing.T) {
	base := serverConfig()
	_, err := overlayConfig(base, map[string]any{
		"server": map[string]any{"port": 0},
	})
	assert.Error(t, err)
}
