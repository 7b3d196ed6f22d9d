package tools

import (
	"context"
	"fmt"
)

// rolePrompts are the personas the assistant can switch into mid
// conversation. The active persona replaces the system prompt.
var rolePrompts = map[string]string{
	"assistant":   "You are a helpful voice assistant. Respond concisely.",
	"storyteller": "You are a warm storyteller speaking to a child. Tell vivid short stories and answer playfully.",
	"teacher":     "You are a patient teacher. Explain things simply, step by step, and check understanding.",
	"companion":   "You are a friendly companion. Chat casually, show interest and keep answers short.",
}

// NewChangeRole switches the assistant persona. setRole rewrites the
// session's system prompt.
func NewChangeRole(setRole func(prompt string)) Tool {
	roleNames := make([]any, 0, len(rolePrompts))
	for name := range rolePrompts {
		roleNames = append(roleNames, name)
	}

	return &funcTool{
		name:        "change_role",
		description: "Switch the assistant into a different persona when the user asks for one.",
		parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role": map[string]any{
					"type":        "string",
					"description": "The persona to switch to",
					"enum":        roleNames,
				},
			},
			"required": []any{"role"},
		},
		execute: func(ctx context.Context, args map[string]any) (Result, error) {
			role := stringArg(args, "role")
			prompt, ok := rolePrompts[role]
			if !ok {
				return Result{Action: ActionError, Content: fmt.Sprintf("unknown role %q", role)}, nil
			}
			setRole(prompt)
			return Result{Action: ActionResponse, Response: "Okay, switching roles now. What would you like to talk about?"}, nil
		},
	}
}
