// Package collab defines the external collaborators a minion calls out
// to: a text generator and a tool bridge. Both fail with typed errors
// that fail only the task at hand.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mtzanidakis/minions/internal/protocol"
)

type Generator interface {
	Generate(ctx context.Context, prompt string, turns []protocol.Turn) (string, error)
}

type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
}

type GeneratorFunc func(ctx context.Context, prompt string, turns []protocol.Turn) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, turns []protocol.Turn) (string, error) {
	return f(ctx, prompt, turns)
}

type ToolFunc func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)

func (f ToolFunc) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, tool, args)
}

// Error kinds shared by LLMError and ToolError.
const (
	KindUnavailable     = "unavailable"
	KindTimeout         = "timeout"
	KindInvalidResponse = "invalid_response"
	KindInvalidArgs     = "invalid_args"
	KindUnknownTool     = "unknown_tool"
	KindFailed          = "failed"
)

type LLMError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Detail)
}

type ToolError struct {
	Tool   string `json:"tool,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e *ToolError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("tool %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("tool %s %s: %s", e.Tool, e.Kind, e.Detail)
}

// Caller mistakes, not collaborator outages.
func clientFault(err error) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind == KindInvalidArgs || te.Kind == KindUnknownTool
	}
	return false
}
