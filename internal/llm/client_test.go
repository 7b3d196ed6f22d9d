package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, ch <-chan StreamChunk) (content string, toolCalls []*ToolCall) {
	t.Helper()
	for chunk := range ch {
		require.NoError(t, chunk.Error)
		content += chunk.Content
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, chunk.ToolCall)
		}
		if chunk.Done {
			break
		}
	}
	return content, toolCalls
}

func TestChatStreamContent(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world."}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", 256, 0.7)
	ch, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)

	content, toolCalls := collect(t, ch)
	assert.Equal(t, "Hello world.", content)
	assert.Empty(t, toolCalls)
}

func TestChatStreamAccumulatesToolCallArguments(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_time","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"zo"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ne\":\"utc\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", 256, 0.7)
	ch, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "time?"}}, []Tool{
		{Type: "function", Function: ToolFunction{Name: "get_time", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	_, toolCalls := collect(t, ch)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "call_1", toolCalls[0].ID)
	assert.Equal(t, "get_time", toolCalls[0].Function.Name)
	assert.JSONEq(t, `{"zone":"utc"}`, toolCalls[0].Function.Arguments)
}

func TestChatStreamInlineToolCall(t *testing.T) {
	// The tag arrives split across deltas, mixed with spoken text.
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Let me check. <tool"}}]}`,
		`{"choices":[{"delta":{"content":"_call>{\"name\":\"get_weather\","}}]}`,
		`{"choices":[{"delta":{"content":"\"arguments\":{\"location\":\"Berlin\"}}"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", 256, 0.7)
	ch, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "weather?"}}, nil)
	require.NoError(t, err)

	content, toolCalls := collect(t, ch)
	assert.Equal(t, "Let me check. ", content)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "get_weather", toolCalls[0].Function.Name)
	assert.JSONEq(t, `{"location":"Berlin"}`, toolCalls[0].Function.Arguments)
}

func TestChatStreamUnparseableInlineCallIsSpoken(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"<tool_call>not json at all"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", 256, 0.7)
	ch, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)

	content, toolCalls := collect(t, ch)
	assert.Equal(t, "not json at all", content)
	assert.Empty(t, toolCalls)
}

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", 256, 0.7)
	resp, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}}, nil)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
}

func TestRequestAddsDefaultPersona(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			Messages []ChatMessage `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, defaultPersona, req.Messages[0].Content)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "test-model", 256, 0.7)
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}}, nil)
	require.NoError(t, err)
}

func TestRequestKeepsExistingSystemMessage(t *testing.T) {
	c := &Client{model: "m"}
	req := c.request([]ChatMessage{{Role: "system", Content: "custom role"}, {Role: "user", Content: "hi"}}, nil, false)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "custom role", req.Messages[0].Content)
}
