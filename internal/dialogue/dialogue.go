// Package dialogue maintains the per-connection conversation history
// in the shape expected by OpenAI-compatible chat endpoints.
package dialogue

import (
	"fmt"
	"sync"

	"github.com/openspeaker/gateway/internal/llm"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one history entry. Tool messages carry the tool_call_id of
// the assistant tool call they answer.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
}

// Store is an ordered message list with two invariants: there is at
// most one system message and it sits at index 0, and every tool
// message directly follows an assistant message whose tool_calls
// include its tool_call_id.
type Store struct {
	mu       sync.Mutex
	messages []Message
}

func NewStore() *Store {
	return &Store{}
}

// Put appends a message. A system message replaces the existing one in
// place instead of appending.
func (s *Store) Put(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Role == RoleSystem {
		if len(s.messages) > 0 && s.messages[0].Role == RoleSystem {
			s.messages[0] = msg
			return nil
		}
		s.messages = append([]Message{msg}, s.messages...)
		return nil
	}

	if msg.Role == RoleTool {
		if err := s.checkToolPlacement(msg); err != nil {
			return err
		}
	}

	s.messages = append(s.messages, msg)
	return nil
}

func (s *Store) checkToolPlacement(msg Message) error {
	if msg.ToolCallID == "" {
		return fmt.Errorf("tool message requires a tool_call_id")
	}
	if len(s.messages) == 0 {
		return fmt.Errorf("tool message %s has no preceding assistant message", msg.ToolCallID)
	}
	prev := s.messages[len(s.messages)-1]
	if prev.Role == RoleTool {
		// Parallel tool results answer the same assistant turn; walk
		// back to it.
		for i := len(s.messages) - 1; i >= 0; i-- {
			if s.messages[i].Role != RoleTool {
				prev = s.messages[i]
				break
			}
		}
	}
	if prev.Role != RoleAssistant {
		return fmt.Errorf("tool message %s has no preceding assistant message", msg.ToolCallID)
	}
	for _, tc := range prev.ToolCalls {
		if tc.ID == msg.ToolCallID {
			return nil
		}
	}
	return fmt.Errorf("tool message %s does not match any pending tool call", msg.ToolCallID)
}

// Messages returns a copy of the history.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// System returns the current system prompt, if any.
func (s *Store) System() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 && s.messages[0].Role == RoleSystem {
		return s.messages[0].Content, true
	}
	return "", false
}

// Render converts the history to the LLM wire format. When memory is
// non-empty it is appended to the system prompt for this render only;
// the stored history is not modified.
func (s *Store) Render(memory string) []llm.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]llm.ChatMessage, 0, len(s.messages))
	for i, msg := range s.messages {
		m := llm.ChatMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		}
		if i == 0 && msg.Role == RoleSystem && memory != "" {
			m.Content = msg.Content + "\n\nRelevant memory from earlier conversations:\n" + memory
		}
		out = append(out, m)
	}
	return out
}

// Reset drops everything except the system message.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 && s.messages[0].Role == RoleSystem {
		s.messages = s.messages[:1]
		return
	}
	s.messages = nil
}
