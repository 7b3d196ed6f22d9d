// Package llm talks to OpenAI-compatible chat completion endpoints and
// normalizes their replies for the voice pipeline: streamed content
// arrives as plain text chunks, and tool calls arrive fully assembled
// whether the model used the tools wire format or emitted them inline.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openspeaker/gateway/internal/adapters/retry"
	"github.com/openspeaker/gateway/shared/httpclient"
)

// defaultPersona seeds conversations whose history carries no system
// message, which happens when a device connects before remote config
// delivered its role prompt.
const defaultPersona = "You are a voice assistant speaking through a small smart speaker. Answer in short spoken sentences."

// ChatMessage is one message in the OpenAI chat format.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// Tool is a function definition offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamChunk is one unit of a streaming reply. Exactly one of Content,
// ToolCall or Error is meaningful; Done closes the stream.
type StreamChunk struct {
	Content      string
	ToolCall     *ToolCall
	FinishReason string
	Error        error
	Done         bool
}

// ChatCompletionResponse is the non-streaming completion reply.
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
	Tools       []Tool        `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

// Client is an OpenAI-compatible completion client.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	retryConfig retry.BackoffConfig
}

func NewClient(baseURL, apiKey, model string, maxTokens int, temperature float64) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient:  httpclient.New(httpclient.CompletionTimeout),
		retryConfig: retry.ProviderConfig(),
	}
}

func (c *Client) request(messages []ChatMessage, tools []Tool, stream bool) completionRequest {
	if len(messages) == 0 || messages[0].Role != "system" {
		messages = append([]ChatMessage{{Role: "system", Content: defaultPersona}}, messages...)
	}
	req := completionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      stream,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	return req
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send completion request: %w", err)
	}
	return resp, nil
}

// Chat runs a non-streaming completion. Tools may be nil.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage, tools []Tool) (*ChatCompletionResponse, error) {
	body, err := json.Marshal(c.request(messages, tools, false))
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	var respBody []byte
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		resp, err := c.post(ctx, body)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read completion body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("completion endpoint: %s - %s", resp.Status, respBody)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	var response ChatCompletionResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	return &response, nil
}

// ChatStream runs a streaming completion. Tools may be nil. The initial
// connection is retried; the stream itself is not.
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage, tools []Tool) (<-chan StreamChunk, error) {
	body, err := json.Marshal(c.request(messages, tools, true))
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	var resp *http.Response
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		resp, err = c.post(ctx, body)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode != http.StatusOK {
			errBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return resp.StatusCode, fmt.Errorf("completion endpoint: %s", resp.Status)
			}
			return resp.StatusCode, fmt.Errorf("completion endpoint: %s - %s", resp.Status, errBody)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 10)
	go readStream(ctx, resp.Body, chunks)
	return chunks, nil
}

// streamEvent is one SSE delta from the completions endpoint.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// readStream turns the SSE body into StreamChunks. Tool calls surface
// fully assembled: argument deltas from the tools wire format are
// accumulated, and inline `<tool_call>` JSON that small models emit as
// content is intercepted by the scanner and parsed instead of spoken.
func readStream(ctx context.Context, body io.ReadCloser, chunks chan<- StreamChunk) {
	defer close(chunks)
	defer body.Close()

	reader := bufio.NewReader(body)
	var wireCall *ToolCall
	var scanner inlineScanner

	emitText := func(text string) {
		if text != "" {
			chunks <- StreamChunk{Content: text}
		}
	}
	finish := func(reason string) {
		// An inline call wins over leftover text; an unparseable capture
		// goes back to the device as speech.
		if call, leftover := scanner.finish(); call != nil {
			chunks <- StreamChunk{ToolCall: call}
		} else {
			emitText(leftover)
		}
		if wireCall != nil {
			chunks <- StreamChunk{ToolCall: wireCall}
			wireCall = nil
		}
		chunks <- StreamChunk{FinishReason: reason, Done: true}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- StreamChunk{Error: ctx.Err()}
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				chunks <- StreamChunk{Error: err}
				return
			}
			finish("")
			return
		}

		data, ok := strings.CutPrefix(strings.TrimSpace(string(line)), "data: ")
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			finish("")
			return
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil || len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]

		if len(choice.Delta.ToolCalls) > 0 {
			tc := choice.Delta.ToolCalls[0]
			if tc.ID != "" {
				// A new call starts; the previous one is complete.
				if wireCall != nil {
					chunks <- StreamChunk{ToolCall: wireCall}
				}
				wireCall = &ToolCall{
					ID:   tc.ID,
					Type: tc.Type,
					Function: FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			} else if wireCall != nil {
				wireCall.Function.Arguments += tc.Function.Arguments
			}
		}

		emitText(scanner.feed(choice.Delta.Content))

		if choice.FinishReason != "" {
			finish(choice.FinishReason)
			return
		}
	}
}
