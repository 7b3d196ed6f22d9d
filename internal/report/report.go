// Package report uploads chat history to the management console: what
// the user said and what the assistant answered, optionally with audio.
package report

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/openspeaker/gateway/internal/adapters/metrics"
	"github.com/openspeaker/gateway/internal/audio"
	"github.com/openspeaker/gateway/internal/manage"
)

// Kind distinguishes the two reported directions.
type Kind int

const (
	KindUser      Kind = 1
	KindAssistant Kind = 2
)

func (k Kind) String() string {
	if k == KindUser {
		return "user"
	}
	return "assistant"
}

// Mode derives from the chat_history_conf setting: 0 disables
// reporting, 2 uploads text and audio, anything else text only.
type Mode int

const (
	ModeOff Mode = iota
	ModeText
	ModeTextAudio
)

func ModeFromConf(conf int) Mode {
	switch conf {
	case 0:
		return ModeOff
	case 2:
		return ModeTextAudio
	default:
		return ModeText
	}
}

type entry struct {
	kind   Kind
	text   string
	frames [][]byte
	ts     int64
}

// Reporter owns one connection's upload queue. Enqueue never blocks the
// audio path; the worker drains the queue in the background and on
// Close.
type Reporter struct {
	client    *manage.Client
	mac       string
	sessionID string
	mode      Mode

	mu     sync.Mutex
	closed bool
	queue  chan entry
	wg     sync.WaitGroup
}

// New returns a ready reporter, or one that silently drops everything
// when reporting is disabled (nil client or ModeOff).
func New(client *manage.Client, mac, sessionID string, mode Mode) *Reporter {
	r := &Reporter{
		client:    client,
		mac:       mac,
		sessionID: sessionID,
		mode:      mode,
	}
	if client == nil || mode == ModeOff {
		return r
	}

	r.queue = make(chan entry, 100)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.worker()
	}()
	return r
}

// Enabled reports whether entries will actually be uploaded.
func (r *Reporter) Enabled() bool {
	return r.queue != nil
}

// Enqueue records one utterance. Frames are only kept in audio mode.
func (r *Reporter) Enqueue(kind Kind, text string, frames [][]byte) {
	if !r.Enabled() || text == "" {
		return
	}
	if r.mode != ModeTextAudio {
		frames = nil
	}

	e := entry{kind: kind, text: text, frames: frames, ts: time.Now().Unix()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		slog.Warn("report: queue full, dropping entry", "kind", kind.String())
		metrics.ChatReportsTotal.WithLabelValues(kind.String(), "dropped").Inc()
	}
}

// Close stops accepting entries and waits for the queued ones to
// upload.
func (r *Reporter) Close() {
	if !r.Enabled() {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Reporter) worker() {
	for e := range r.queue {
		r.upload(e)
	}
}

func (r *Reporter) upload(e entry) {
	report := manage.ChatReport{
		MACAddress: r.mac,
		SessionID:  r.sessionID,
		ChatType:   int(e.kind),
		Content:    e.text,
		ReportTime: e.ts,
	}

	if len(e.frames) > 0 {
		wav, err := audio.OpusToWAV(e.frames)
		if err != nil {
			slog.Warn("report: audio conversion failed, reporting text only", "error", err)
		} else {
			report.AudioBase64 = base64.StdEncoding.EncodeToString(wav)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.client.ReportChat(ctx, report); err != nil {
		slog.Error("report: upload failed", "kind", e.kind.String(), "error", err)
		metrics.ChatReportsTotal.WithLabelValues(e.kind.String(), "error").Inc()
		return
	}
	metrics.ChatReportsTotal.WithLabelValues(e.kind.String(), "ok").Inc()
}
