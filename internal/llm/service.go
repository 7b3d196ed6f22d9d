package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openspeaker/gateway/internal/adapters/circuitbreaker"
	"github.com/openspeaker/gateway/internal/adapters/metrics"
)

const (
	// LLMTimeout is the maximum time to wait for LLM responses
	LLMTimeout = 2 * time.Minute
)

// Service wraps the OpenAI-compatible client with a circuit breaker so
// a dead upstream fails fast instead of stalling every connection.
type Service struct {
	client  *Client
	breaker *circuitbreaker.Breaker
}

func NewService(client *Client) *Service {
	return &Service{
		client:  client,
		breaker: circuitbreaker.New(5, 30*time.Second), // 5 failures, 30s cooldown
	}
}

// ChatStream starts a streaming completion. Tools may be nil.
func (s *Service) ChatStream(parentCtx context.Context, messages []ChatMessage, tools []Tool) (<-chan StreamChunk, error) {
	ctx, cancel := context.WithTimeout(parentCtx, LLMTimeout)

	var clientChan <-chan StreamChunk
	start := time.Now()
	err := s.breaker.Execute(func() error {
		var err error
		clientChan, err = s.client.ChatStream(ctx, messages, tools)
		return err
	})
	if err != nil {
		cancel()
		metrics.LLMRequestsTotal.WithLabelValues(s.client.model, "error").Inc()
		return nil, fmt.Errorf("chat stream request failed: %w", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(s.client.model, "ok").Inc()

	out := make(chan StreamChunk, 10)
	go func() {
		defer cancel()
		defer close(out)
		defer func() {
			metrics.LLMRequestDuration.WithLabelValues(s.client.model).Observe(time.Since(start).Seconds())
		}()

		for {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Error: ctx.Err()}
				return
			case chunk, ok := <-clientChan:
				if !ok {
					return
				}
				out <- chunk
				if chunk.Done || chunk.Error != nil {
					return
				}
			}
		}
	}()

	return out, nil
}

// ResponseNoStream runs a plain completion and returns the assistant
// text. Used for cached greetings and memory summarization where
// streaming buys nothing.
func (s *Service) ResponseNoStream(ctx context.Context, messages []ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, LLMTimeout)
	defer cancel()

	var resp *ChatCompletionResponse
	err := s.breaker.Execute(func() error {
		var err error
		resp, err = s.client.Chat(ctx, messages, nil)
		return err
	})
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(s.client.model, "error").Inc()
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(s.client.model, "ok").Inc()

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Model returns the configured model name.
func (s *Service) Model() string {
	return s.client.model
}
