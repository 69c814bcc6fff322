// internal/transcript/budget.go
package transcript

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/cadpilot/pkg/llm"
)

// Budgeter trims a model message list to fit a token budget, dropping the
// oldest turns first.
type Budgeter struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// NewBudgeter creates a Budgeter for the given model. maxTokens is the
// model's context window; reserve is held back for the response.
func NewBudgeter(model string, maxTokens, reserve int) (*Budgeter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Budgeter{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// countTokens returns the token count for a string.
func (b *Budgeter) countTokens(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Trim returns the longest suffix of messages whose token count fits within
// the input budget, preserving chronological order.
func (b *Budgeter) Trim(messages []llm.Message) []llm.Message {
	budget := b.maxTokens - b.reserve
	if budget <= 0 {
		return nil
	}

	used := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := b.countTokens(messages[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return messages[start:]
}
