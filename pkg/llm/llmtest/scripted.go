// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/user/cadpilot/pkg/llm"
)

// Step is one scripted action within a turn.
type Step struct {
	// Content emits a content event with this delta.
	Content string
	// CallTool emits a tool_call for the named tool, runs its Exec from the
	// tool catalog passed to Stream, and emits the tool_result.
	CallTool string
	// Args are the arguments for CallTool.
	Args json.RawMessage
	// Err terminates the turn with an error.
	Err error
}

// Provider replays scripted turns. Each call to Stream consumes the next
// turn; calling past the script fails the stream.
type Provider struct {
	mu     sync.Mutex
	turns  [][]Step
	turn   int
	callID int
}

// NewProvider creates a scripted provider from an ordered list of turns.
func NewProvider(turns ...[]Step) *Provider {
	return &Provider{turns: turns}
}

var _ llm.Provider = (*Provider)(nil)

// Stream replays the next scripted turn.
func (p *Provider) Stream(ctx context.Context, _ string, _ []llm.Message, tools []llm.Tool) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	if p.turn >= len(p.turns) {
		p.mu.Unlock()
		return nil, fmt.Errorf("scripted provider exhausted after %d turns", len(p.turns))
	}
	steps := p.turns[p.turn]
	p.turn++
	p.mu.Unlock()

	byName := make(map[string]llm.Tool, len(tools))
	for _, t := range tools {
		byName[t.Function.Name] = t
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		for _, step := range steps {
			select {
			case <-ctx.Done():
				ch <- llm.StreamEvent{Kind: llm.EventDone, Err: ctx.Err()}
				return
			default:
			}

			switch {
			case step.Err != nil:
				ch <- llm.StreamEvent{Kind: llm.EventDone, Err: step.Err}
				return

			case step.CallTool != "":
				p.mu.Lock()
				p.callID++
				id := fmt.Sprintf("call_%d", p.callID)
				p.mu.Unlock()

				args := step.Args
				if args == nil {
					args = json.RawMessage(`{}`)
				}
				ch <- llm.StreamEvent{
					Kind:       llm.EventToolCall,
					ToolCallID: id,
					ToolName:   step.CallTool,
					ToolArgs:   args,
				}

				result := fmt.Sprintf(`{"error":"unknown tool %q"}`, step.CallTool)
				if tool, ok := byName[step.CallTool]; ok && tool.Exec != nil {
					out, err := tool.Exec(ctx, args)
					switch {
					case errors.Is(err, llm.ErrAbort):
						ch <- llm.StreamEvent{Kind: llm.EventDone, Err: err}
						return
					case err != nil:
						data, _ := json.Marshal(map[string]string{"error": err.Error()})
						result = string(data)
					default:
						result = out
					}
				}
				ch <- llm.StreamEvent{Kind: llm.EventToolResult, ToolCallID: id, Result: result}

			default:
				ch <- llm.StreamEvent{Kind: llm.EventContent, Delta: step.Content}
			}
		}
		ch <- llm.StreamEvent{Kind: llm.EventDone}
	}()
	return ch, nil
}
