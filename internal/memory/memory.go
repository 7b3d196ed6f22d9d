// Package memory persists what the assistant should remember about a
// device's user across sessions.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/internal/dialogue"
	"github.com/openspeaker/gateway/internal/llm"
)

// Saver persists a memory summary. *manage.Client satisfies it; the
// local history store offers an equivalent.
type Saver interface {
	SaveMemory(ctx context.Context, deviceID, summary string) error
}

// Provider is one memory strategy.
type Provider interface {
	// Summary returns the remembered context to fold into the system
	// prompt, empty when nothing is known.
	Summary() string
	// Remember condenses the finished conversation and persists it.
	// Called during connection close with a short deadline.
	Remember(ctx context.Context, messages []dialogue.Message) error
}

// New picks the provider for cfg. Unknown providers degrade to nomem
// with a log rather than failing the connection.
func New(cfg config.MemoryConfig, svc *llm.Service, saver Saver, deviceID string) Provider {
	switch cfg.Provider {
	case "", "nomem":
		return NoMem{}
	case "mem_local_short":
		return NewLocalShort(svc, saver, deviceID)
	default:
		slog.Warn("memory: unknown provider, memory disabled", "provider", cfg.Provider)
		return NoMem{}
	}
}

// NoMem remembers nothing.
type NoMem struct{}

func (NoMem) Summary() string                                    { return "" }
func (NoMem) Remember(context.Context, []dialogue.Message) error { return nil }

const summaryPrompt = `Summarize what is worth remembering about the user from this conversation: their name, preferences, ongoing topics and important facts. Write a compact plain-text summary in the third person, at most 150 words. If there is nothing worth remembering, answer exactly: NONE`

// LocalShort condenses each conversation into a short summary through
// the LLM and persists it via the saver.
type LocalShort struct {
	svc      *llm.Service
	saver    Saver
	deviceID string

	mu      sync.RWMutex
	summary string
}

func NewLocalShort(svc *llm.Service, saver Saver, deviceID string) *LocalShort {
	return &LocalShort{svc: svc, saver: saver, deviceID: deviceID}
}

// Seed installs the summary recovered from a previous session.
func (m *LocalShort) Seed(summary string) {
	m.mu.Lock()
	m.summary = summary
	m.mu.Unlock()
}

func (m *LocalShort) Summary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summary
}

func (m *LocalShort) Remember(ctx context.Context, messages []dialogue.Message) error {
	transcript := renderTranscript(messages, m.Summary())
	if transcript == "" {
		return nil
	}

	prompt := []llm.ChatMessage{
		{Role: dialogue.RoleSystem, Content: summaryPrompt},
		{Role: dialogue.RoleUser, Content: transcript},
	}
	summary, err := m.svc.ResponseNoStream(ctx, prompt)
	if err != nil {
		return fmt.Errorf("summarize conversation: %w", err)
	}

	summary = strings.TrimSpace(summary)
	if summary == "" || summary == "NONE" {
		return nil
	}

	m.mu.Lock()
	m.summary = summary
	m.mu.Unlock()

	if m.saver == nil {
		return nil
	}
	if err := m.saver.SaveMemory(ctx, m.deviceID, summary); err != nil {
		return fmt.Errorf("persist memory: %w", err)
	}
	slog.Info("memory: summary saved", "device_id", m.deviceID, "chars", len(summary))
	return nil
}

// renderTranscript flattens the user/assistant exchange, skipping the
// system prompt and tool plumbing. The previous summary is prepended so
// the model carries old facts forward.
func renderTranscript(messages []dialogue.Message, previous string) string {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Previously remembered: ")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}

	exchanges := 0
	for _, msg := range messages {
		if msg.Role != dialogue.RoleUser && msg.Role != dialogue.RoleAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		exchanges++
	}
	if exchanges == 0 {
		return ""
	}
	return b.String()
}
