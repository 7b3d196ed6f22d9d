// Package tts turns reply text into paced device audio: an HTTP
// synthesis client, the sentence splitter that feeds it, and the
// two-stage queue engine that keeps synthesis ahead of playback.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openspeaker/gateway/internal/adapters/metrics"
	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/shared/httpclient"
)

// MaxAttempts bounds synthesis tries per segment. A failed segment is
// skipped, not fatal to the reply.
const MaxAttempts = 5

type Client struct {
	url    string
	apiKey string
	model  string
	voice  string
	speed  float64
	client *http.Client
}

type synthesisRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

func NewClient(cfg config.TTSConfig) *Client {
	speed := cfg.Speed
	if speed <= 0 {
		speed = 1.0
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		voice:  cfg.Voice,
		speed:  speed,
		client: httpclient.New(httpclient.SynthesisTimeout),
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Synthesize returns raw 16kHz mono s16le PCM for text, retrying up to
// MaxAttempts times.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}

	ctx, span := otel.Tracer("gateway").Start(ctx, "tts.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.Int("text.length", len(text)),
		attribute.String("tts.voice", c.voice),
	)

	start := time.Now()

	var audio []byte
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		audio, lastErr = c.synthesizeOnce(ctx, text)
		if lastErr == nil {
			break
		}
		slog.Warn("tts: synthesis attempt failed", "attempt", attempt, "error", lastErr, "preview", truncateString(text, 50))
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
	}
	if lastErr != nil {
		metrics.TTSSegmentsTotal.WithLabelValues("error").Inc()
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, "TTS synthesis failed")
		return nil, fmt.Errorf("synthesize after %d attempts: %w", MaxAttempts, lastErr)
	}

	elapsed := time.Since(start)
	metrics.TTSSegmentsTotal.WithLabelValues("ok").Inc()
	metrics.TTSRequestDuration.Observe(elapsed.Seconds())
	slog.Debug("tts: synthesis complete", "audio_bytes", len(audio), "latency", elapsed, "preview", truncateString(text, 50))
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))
	span.SetStatus(codes.Ok, "synthesis successful")
	return audio, nil
}

func (c *Client) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	reqBody := synthesisRequest{
		Model:          c.model,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: "pcm",
		Speed:          c.speed,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("TTS error (status %d): %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return audio, nil
}
