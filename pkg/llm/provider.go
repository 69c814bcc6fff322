package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request
// formatting, authentication, response parsing, and the tool-execution
// round trip: when the model requests a tool, the provider emits a
// tool_call event, runs the tool's Exec, emits a tool_result event, and
// continues the conversation, so the consumer sees one flat stream per
// user turn.
type Provider interface {
	// Stream sends a chat request and returns an ordered stream of typed
	// events. The channel is closed after a done event or a terminal error
	// event.
	Stream(ctx context.Context, system string, messages []Message, tools []Tool) (<-chan StreamEvent, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	// MaxRounds bounds the number of model calls per turn when the model
	// keeps requesting tools.
	MaxRounds int
}
