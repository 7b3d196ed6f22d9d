package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspeaker/gateway/internal/auth"
	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/internal/llm"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.AdvertisedHost = "gateway.local"
	cfg.Server.Port = 8000
	return cfg
}

func newTestServer(t *testing.T, visionAnswer string) *Server {
	t.Helper()

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": visionAnswer}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(llmSrv.Close)

	cfg := testConfig()
	cfg.LLM.URL = llmSrv.URL
	cfg.LLM.Model = "vision-model"
	return NewServer(cfg, "test-auth-key", llm.NewVisionClient(cfg.LLM))
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, "")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestOTAAnnouncesWebsocket(t *testing.T) {
	s := newTestServer(t, "")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/xiaozhi/ota/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	ws := resp["websocket"].(map[string]any)
	assert.Equal(t, "ws://gateway.local:8000/xiaozhi/v1/", ws["url"])

	st := resp["server_time"].(map[string]any)
	assert.Greater(t, st["timestamp"].(float64), 0.0)
}

func TestOTAEchoesFirmwareVersion(t *testing.T) {
	s := newTestServer(t, "")

	body := strings.NewReader(`{"application":{"version":"2.3.1"}}`)
	req := httptest.NewRequest("POST", "/xiaozhi/ota/", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	fw := resp["firmware"].(map[string]any)
	assert.Equal(t, "2.3.1", fw["version"])
}

func visionRequest(t *testing.T, token string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("question", "what is this?"))
	part, err := writer.CreateFormFile("file", "capture.jpg")
	require.NoError(t, err)
	part.Write([]byte("fake-jpeg-bytes"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/mcp/vision/explain", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestVisionRequiresToken(t *testing.T) {
	s := newTestServer(t, "a red cup")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, visionRequest(t, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, visionRequest(t, "bogus-token"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVisionAnswers(t *testing.T) {
	s := newTestServer(t, "a red cup on a table")

	token, err := auth.SignVisionToken("test-auth-key", "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, visionRequest(t, token))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp visionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, visionActionResponse, resp.Action)
	assert.Equal(t, "a red cup on a table", resp.Response)
}
