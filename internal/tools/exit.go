package tools

import (
	"context"
)

// NewHandleExitIntent ends the conversation when the user says goodbye.
// requestClose asks the session to say the farewell and hang up after
// it finishes playing.
func NewHandleExitIntent(farewell string, requestClose func(farewell string)) Tool {
	return &funcTool{
		name:        "handle_exit_intent",
		description: "End the conversation. Call this when the user says goodbye or asks to stop talking.",
		parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"say_goodbye": map[string]any{
					"type":        "string",
					"description": "A short farewell to speak before hanging up",
				},
			},
		},
		execute: func(ctx context.Context, args map[string]any) (Result, error) {
			goodbye := stringArg(args, "say_goodbye")
			if goodbye == "" {
				goodbye = farewell
			}
			requestClose(goodbye)
			return Result{Action: ActionResponse, Response: goodbye}, nil
		},
	}
}
