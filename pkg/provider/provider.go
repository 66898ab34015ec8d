// Package provider abstracts the completion backend that drives a step: a
// request carries the rendered prompts, the transcript so far, and the
// step's tool definitions; the response carries free-form content and/or
// tool-call requests.
package provider

import (
	"context"
	"encoding/json"

	"github.com/apiprobe/apiprobe/pkg/tools"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one transcript element. An assistant message may carry tool
// calls; a tool message carries the result for one call id.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Request is one provider exchange.
type Request struct {
	SystemMessage   string
	InstanceMessage string
	Transcript      []Message
	Tools           []tools.Definition
}

// Usage reports token consumption for one exchange. Estimated is set when
// the backend did not report usage and the numbers come from a local
// tokenizer instead.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Estimated    bool
}

// Response is the provider's answer: content, tool calls, or both. A
// response with neither still counts as a consumed round trip.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// CompletionProvider is a blocking completion backend.
type CompletionProvider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
