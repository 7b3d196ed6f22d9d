// Package asr transcribes recorded utterances through a whisper-style
// HTTP endpoint.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openspeaker/gateway/internal/adapters/metrics"
	"github.com/openspeaker/gateway/internal/adapters/retry"
	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/shared/httpclient"
)

type Client struct {
	url         string
	apiKey      string
	model       string
	client      *http.Client
	retryConfig retry.BackoffConfig
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func NewClient(cfg config.ASRConfig) *Client {
	return &Client{
		url:         cfg.URL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		client:      httpclient.New(httpclient.SynthesisTimeout),
		retryConfig: retry.ProviderConfig(),
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Transcribe uploads a WAV byte stream and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		slog.Info("asr: empty audio, skipping transcription")
		return "", nil
	}

	ctx, span := otel.Tracer("gateway").Start(ctx, "asr.transcribe",
		trace.WithAttributes(
			attribute.Int("audio.wav_bytes", len(wav)),
			attribute.String("asr.model", c.model),
		))
	defer span.End()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := writer.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("write format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}

	startTime := time.Now()
	body := buf.Bytes()

	var respBody []byte
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("ASR error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		slog.Error("asr: request failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "ASR request failed")
		return "", err
	}

	elapsed := time.Since(startTime)
	metrics.ASRRequestDuration.Observe(elapsed.Seconds())

	var asrResp transcriptionResponse
	if err := json.Unmarshal(respBody, &asrResp); err != nil {
		slog.Error("asr: failed to parse response", "error", err, "body", string(respBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse response failed")
		return "", fmt.Errorf("parse response: %w", err)
	}

	text := strings.TrimSpace(asrResp.Text)
	slog.Info("asr: transcription received", "latency", elapsed, "chars", len(text), "preview", truncateString(text, 50))
	span.SetAttributes(attribute.Int("transcript.length", len(text)))
	span.SetStatus(codes.Ok, "transcription successful")
	return text, nil
}
