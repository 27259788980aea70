// Package agent implements the client side of the agent run protocol:
// request/response types, the streaming HTTP client, and per-conversation
// sessions that hold history.
package agent

import "context"

// Role values used in run messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCall is the name/arguments pair of a single tool invocation.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one tool invocation requested by the agent.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one entry in a run's message history.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ContextItem is one piece of ambient context forwarded with a run.
type ContextItem struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// RunInput is the request body for one agent run.
type RunInput struct {
	ThreadID       string         `json:"threadId"`
	RunID          string         `json:"runId"`
	Messages       []Message      `json:"messages"`
	State          map[string]any `json:"state"`
	Tools          []any          `json:"tools"`
	Context        []ContextItem  `json:"context"`
	ForwardedProps map[string]any `json:"forwardedProps"`
}

// RunResult is the accumulated outcome of one agent run: the new messages the
// agent produced, the concatenated assistant text, and the latest state
// snapshot if the agent emitted one.
type RunResult struct {
	Messages []Message
	Text     string
	State    map[string]any
}

// ToolCalls collects every tool call across the result's messages.
func (r RunResult) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, msg := range r.Messages {
		calls = append(calls, msg.ToolCalls...)
	}
	return calls
}

// Invoker performs one agent run. The base invoker is Client.Run; middleware
// wraps it.
type Invoker func(ctx context.Context, input RunInput) (RunResult, error)

// Middleware decorates an Invoker. Middlewares compose outermost-first:
// Chain(inv, a, b) runs a, then b, then inv.
type Middleware func(next Invoker) Invoker

// Chain applies middlewares to an invoker, outermost first.
func Chain(invoker Invoker, middlewares ...Middleware) Invoker {
	for i := len(middlewares) - 1; i >= 0; i-- {
		invoker = middlewares[i](invoker)
	}
	return invoker
}
