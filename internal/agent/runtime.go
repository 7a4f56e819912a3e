// Package agent defines the contract between the broker and the external
// agent runtime that produces turns.
package agent

import (
	"context"
	"encoding/json"

	"buddy/internal/turn"
)

// Prompt is one free-form user request forwarded unmodified to the runtime
type Prompt struct {
	UserID       string
	AgentID      string
	ConnectionID string
	Text         string
}

// File is a document the runtime hands to the user's connection
type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url"`
}

// Hooks lets the runtime block on a human decision during a turn. The two
// request calls are bounded by the broker's gate timeouts. SendFile goes to
// the connection that sent the prompt only.
type Hooks struct {
	RequestConfirmation func(ctx context.Context, command, reason string) (bool, error)
	RequestForm         func(ctx context.Context, definition json.RawMessage) (json.RawMessage, error)
	SendFile            func(ctx context.Context, file File) error
}

// Runtime runs one agent turn
type Runtime interface {
	Run(ctx context.Context, prompt Prompt, hooks Hooks) (turn.Turn, error)
}

// RuntimeFunc adapts a function to Runtime
type RuntimeFunc func(ctx context.Context, prompt Prompt, hooks Hooks) (turn.Turn, error)

func (f RuntimeFunc) Run(ctx context.Context, prompt Prompt, hooks Hooks) (turn.Turn, error) {
	return f(ctx, prompt, hooks)
}
