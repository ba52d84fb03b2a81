// Package policy defines the contract between the rollout executor and the
// tool-calling model backend. Concrete LLM providers live outside the
// engine; the executor only ever sees this interface.
package policy

import (
	"context"

	"github.com/fentz26/rollout/internal/models"
)

// Policy produces the next tool call given the tool schemas and the
// conversation so far. Returning models.NoAction signals that no action was
// generated; the executor records a no-op step and continues.
type Policy interface {
	Decide(ctx context.Context, tools []models.ToolSchema, history []models.Message) (models.ToolCall, error)
}

// Func adapts a function to the Policy interface.
type Func func(ctx context.Context, tools []models.ToolSchema, history []models.Message) (models.ToolCall, error)

// Decide implements Policy.
func (f Func) Decide(ctx context.Context, tools []models.ToolSchema, history []models.Message) (models.ToolCall, error) {
	return f(ctx, tools, history)
}

// Scripted replays a fixed sequence of tool calls, then NoAction. Used by
// tests and the simulator demo.
type Scripted struct {
	Calls []models.ToolCall
	next  int
}

// Decide implements Policy.
func (s *Scripted) Decide(ctx context.Context, tools []models.ToolSchema, history []models.Message) (models.ToolCall, error) {
	if s.next >= len(s.Calls) {
		return models.NoAction, nil
	}
	call := s.Calls[s.next]
	s.next++
	return call, nil
}
