package intent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openspeaker/gateway/internal/llm"
	"github.com/openspeaker/gateway/shared/id"
	"github.com/openspeaker/gateway/shared/jsonutil"
)

// ContinueChat is the sentinel the classifier returns for utterances
// that should go through the normal chat pipeline.
const ContinueChat = "continue_chat"

const detectPrompt = `You route utterances for a voice assistant. Given the available functions and the user's words, answer with one JSON object and nothing else.
Answer {"function_call": {"name": "<function>", "arguments": {...}}} when exactly one listed function should run.
Answer {"function_call": {"name": "continue_chat"}} for ordinary conversation.`

// Detect asks the LLM to classify an utterance. It returns a tool call
// to dispatch, or nil when the turn should continue as plain chat. Only
// names from toolNames are accepted; everything else, including the
// continue_chat sentinel and unparseable replies, means plain chat.
func Detect(ctx context.Context, svc *llm.Service, utterance string, toolNames []string) (*llm.ToolCall, error) {
	if len(toolNames) == 0 {
		return nil, nil
	}

	messages := []llm.ChatMessage{
		{Role: "system", Content: detectPrompt + "\n\nFunctions: " + strings.Join(toolNames, ", ")},
		{Role: "user", Content: utterance},
	}
	reply, err := svc.ResponseNoStream(ctx, messages)
	if err != nil {
		return nil, err
	}

	obj, ok := jsonutil.ExtractObject(reply)
	if !ok {
		return nil, nil
	}

	var parsed struct {
		FunctionCall struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"function_call"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return nil, nil
	}

	name := parsed.FunctionCall.Name
	if name == "" || name == ContinueChat {
		return nil, nil
	}
	known := false
	for _, t := range toolNames {
		if t == name {
			known = true
			break
		}
	}
	if !known {
		return nil, nil
	}

	args := "{}"
	if len(parsed.FunctionCall.Arguments) > 0 {
		if raw, err := json.Marshal(parsed.FunctionCall.Arguments); err == nil {
			args = string(raw)
		}
	}
	return &llm.ToolCall{
		ID:   id.NewToolCall(),
		Type: "function",
		Function: llm.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}, nil
}
