// Package manage talks to the management console API: remote config
// pull, agent memory persistence and chat history reporting.
package manage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openspeaker/gateway/shared/backoff"
	"github.com/openspeaker/gateway/shared/httpclient"
)

// API result codes carried in the response envelope.
const (
	codeOK             = 0
	CodeDeviceNotFound = 10041
	CodeDeviceNotBound = 10042
)

// ErrDeviceNotBound means the device exists but has not been claimed by
// a user yet; the session answers with a spoken bind code.
var ErrDeviceNotBound = errors.New("device not bound")

// ErrDeviceNotFound means the manager does not know the device at all.
var ErrDeviceNotFound = errors.New("device not found")

type Client struct {
	baseURL string
	secret  string
	client  *http.Client
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	client := httpclient.New(httpclient.FetchTimeout)
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &Client{baseURL: baseURL, secret: secret, client: client}
}

// ServerConfig pulls the gateway-level config section.
func (c *Client) ServerConfig(ctx context.Context) (map[string]any, error) {
	data, err := c.post(ctx, "/config/server-base", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("fetch server config: %w", err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	return cfg, nil
}

// AgentModels resolves the module selection and provider settings for
// one device. Returns ErrDeviceNotBound for unclaimed devices.
func (c *Client) AgentModels(ctx context.Context, macAddress, clientID string, selectedModule map[string]string) (map[string]any, error) {
	body := map[string]any{
		"macAddress":     macAddress,
		"clientId":       clientID,
		"selectedModule": selectedModule,
	}
	data, err := c.post(ctx, "/config/agent-models", body)
	if err != nil {
		return nil, fmt.Errorf("fetch agent models for %s: %w", macAddress, err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent models: %w", err)
	}
	return cfg, nil
}

// SaveMemory persists the agent's summarized memory for a device.
func (c *Client) SaveMemory(ctx context.Context, macAddress, summary string) error {
	body := map[string]any{"summaryMemory": summary}
	_, err := c.request(ctx, "PUT", "/agent/saveMemory/"+macAddress, body)
	if err != nil {
		return fmt.Errorf("save memory for %s: %w", macAddress, err)
	}
	return nil
}

// ChatReport is one chat history entry. ChatType is 1 for user speech,
// 2 for assistant replies. AudioBase64 is an optional WAV payload.
type ChatReport struct {
	MACAddress  string `json:"macAddress"`
	SessionID   string `json:"sessionId"`
	ChatType    int    `json:"chatType"`
	Content     string `json:"content"`
	AudioBase64 string `json:"audioBase64,omitempty"`
	ReportTime  int64  `json:"reportTime"`
}

// ReportChat uploads one chat history entry.
func (c *Client) ReportChat(ctx context.Context, report ChatReport) error {
	_, err := c.post(ctx, "/agent/chat-history/report", report)
	if err != nil {
		return fmt.Errorf("report chat history: %w", err)
	}
	return nil
}

// ServerConfigWithRetry keeps trying on the manage schedule; used at
// startup where the console may still be coming up.
func (c *Client) ServerConfigWithRetry(ctx context.Context) (map[string]any, error) {
	var cfg map[string]any
	err := backoff.RetryWithCallback(ctx, backoff.Manage,
		func(ctx context.Context, attempt int) error {
			var err error
			cfg, err = c.ServerConfig(ctx)
			return err
		},
		func(attempt int, err error, delay time.Duration) {
			slog.Warn("manage: server config fetch failed", "attempt", attempt, "error", err, "retry_in", delay)
		})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.request(ctx, "POST", path, body)
}

func (c *Client) request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manager API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("parse response envelope: %w", err)
	}

	switch env.Code {
	case codeOK:
		return env.Data, nil
	case CodeDeviceNotBound:
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotBound, env.Msg)
	case CodeDeviceNotFound:
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, env.Msg)
	default:
		return nil, fmt.Errorf("manager API code %d: %s", env.Code, env.Msg)
	}
}
