package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrAbort marks tool failures that must terminate the whole turn. Ordinary
// tool errors are returned to the model as failed tool calls; an error
// wrapping ErrAbort ends the stream with a terminal error instead.
var ErrAbort = errors.New("abort turn")

// Message represents a chat message in a conversation.
type Message struct {
	Role    string     `json:"role"`
	Content string     `json:"content"`
	Tools   []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall contains the function name and arguments for a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolFunc executes a tool call and returns the result payload. Errors are
// returned to the model as failed tool calls, not raised to the caller.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool describes a tool that can be provided to the model. Exec is invoked
// by the provider between rounds when the model requests the tool; it never
// crosses the wire.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
	Exec     ToolFunc `json:"-"`
}

// Function describes a callable function including its parameters schema.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// EventKind classifies one entry in the provider's output stream.
type EventKind string

const (
	EventContent    EventKind = "content"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventDone       EventKind = "done"
)

// StreamEvent is one typed chunk of the provider's output stream. Exactly
// the fields relevant to Kind are set. A terminal Err is delivered on the
// last event before the channel closes.
type StreamEvent struct {
	Kind EventKind

	// Content fields.
	Delta string

	// Tool call fields.
	ToolCallID string
	ToolName   string
	ToolArgs   json.RawMessage

	// Tool result fields (ToolCallID is also set).
	Result string

	Err error
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
