package llm

import (
	"encoding/json"
	"strings"

	"github.com/openspeaker/gateway/shared/id"
	"github.com/openspeaker/gateway/shared/jsonutil"
)

const inlineTag = "<tool_call>"

// inlineScanner intercepts `<tool_call>{...}` sequences that small
// models emit inside the content stream instead of the tools wire
// format. The tag can be split across SSE deltas, so the scanner holds
// back any text that could still turn out to be the start of a tag.
type inlineScanner struct {
	carry   string
	capture strings.Builder
	active  bool
}

// feed takes one content delta and returns the portion that is safe to
// speak. Text following a tag is captured instead of returned.
func (s *inlineScanner) feed(delta string) string {
	if delta == "" {
		return ""
	}
	if s.active {
		s.capture.WriteString(delta)
		return ""
	}

	text := s.carry + delta
	s.carry = ""

	if i := strings.Index(text, inlineTag); i >= 0 {
		s.active = true
		s.capture.WriteString(text[i+len(inlineTag):])
		return text[:i]
	}

	if n := partialTagLen(text); n > 0 {
		s.carry = text[len(text)-n:]
		return text[:len(text)-n]
	}
	return text
}

// finish flushes the scanner at end of stream. If a tag was seen and
// its payload parses, the call is returned; otherwise any held text
// (including an unparseable capture) comes back as leftover speech.
func (s *inlineScanner) finish() (*ToolCall, string) {
	if !s.active {
		return nil, s.carry
	}
	raw := s.capture.String()
	if call := parseInlineCall(raw); call != nil {
		return call, ""
	}
	return nil, strings.TrimSpace(raw)
}

// partialTagLen reports the length of the longest suffix of text that
// is a proper prefix of the inline tag.
func partialTagLen(text string) int {
	max := len(inlineTag) - 1
	if len(text) < max {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, inlineTag[:n]) {
			return n
		}
	}
	return 0
}

// parseInlineCall extracts the first balanced JSON object from raw and
// maps it onto a ToolCall with a fresh function ID. Returns nil when
// there is no usable call.
func parseInlineCall(raw string) *ToolCall {
	obj, ok := jsonutil.ExtractObject(raw)
	if !ok {
		return nil
	}

	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(obj), &payload); err != nil || payload.Name == "" {
		return nil
	}

	args := "{}"
	if len(payload.Arguments) > 0 {
		args = string(payload.Arguments)
	}

	return &ToolCall{
		ID:   id.NewFunction(),
		Type: "function",
		Function: FunctionCall{
			Name:      payload.Name,
			Arguments: args,
		},
	}
}
