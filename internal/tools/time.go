package tools

import (
	"context"
	"fmt"
	"time"
)

// NewGetTime reports the current local date and time. The result is
// handed back to the LLM so it can phrase the answer naturally.
func NewGetTime(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return &funcTool{
		name:        "get_time",
		description: "Get the current date, time and day of the week.",
		execute: func(ctx context.Context, args map[string]any) (Result, error) {
			t := now()
			content := fmt.Sprintf("Current time: %s, %s",
				t.Format("15:04 on Monday, January 2, 2006"),
				t.Format("MST"))
			return Result{Action: ActionReqLLM, Content: content}, nil
		},
	}
}
