package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/shared/httpclient"
)

// VisionClient answers questions about images through a multimodal
// chat-completions endpoint. Falls back to the main LLM endpoint and
// model when no dedicated vision ones are configured.
type VisionClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewVisionClient(cfg config.LLMConfig) *VisionClient {
	baseURL := cfg.VisionURL
	if baseURL == "" {
		baseURL = cfg.URL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	model := cfg.VisionModel
	if model == "" {
		model = cfg.Model
	}

	return &VisionClient{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		client:  httpclient.New(httpclient.CompletionTimeout),
	}
}

// Explain sends the image and question and returns the model's answer.
func (c *VisionClient) Explain(ctx context.Context, question string, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": question},
					{"type": "image_url", "image_url": map[string]any{"url": dataURI}},
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision LLM error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed ChatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
