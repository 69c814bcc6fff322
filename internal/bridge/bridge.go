// Package bridge resolves tool calls that can only execute in a remote
// context the coordinator does not own. The session's event log is the only
// channel between the two sides: the coordinator appends a tool_call
// message, the remote executor observes it and appends a tool_result, and
// the bridge turns that broadcast exchange back into a synchronous call by
// polling with a bounded wait.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/pkg/llm"
)

const (
	// DefaultTimeout bounds how long a remote tool call may stay unanswered.
	DefaultTimeout = 60 * time.Second
	// pollInterval is how often the log is re-read while waiting.
	pollInterval = 200 * time.Millisecond
	// settleDelay lets the just-appended tool_call event become visible
	// before the first read.
	settleDelay = 50 * time.Millisecond
)

// Bridge waits on session streams for remote tool results.
type Bridge struct {
	log     eventlog.Log
	timeout time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout overrides the default result-wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// New creates a Bridge over the given log.
func New(log eventlog.Log, opts ...Option) *Bridge {
	b := &Bridge{log: log, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WaitForResult polls the stream until a tool_result message with the given
// tool call id appears, returning its payload verbatim. Payloads carrying an
// error key are returned as-is; the model decides how to react. A missing
// result within the timeout is a fatal error that terminates the run.
func (b *Bridge) WaitForResult(ctx context.Context, stream types.SessionID, toolCallID string) (json.RawMessage, error) {
	view := eventlog.NewView(b.log, stream)

	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		if err := view.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh stream: %w", err)
		}
		if result, ok := findResult(view.Collections(), toolCallID); ok {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: no result for tool call %s after %s", llm.ErrAbort, toolCallID, b.timeout)
		case <-tick.C:
		}
	}
}

// findResult locates the tool_result message paired with the tool call.
func findResult(cols *eventlog.Collections, toolCallID string) (json.RawMessage, bool) {
	for _, m := range cols.Messages {
		if m.Role == types.RoleToolResult && m.ToolCallID == toolCallID {
			return m.ToolResult, true
		}
	}
	return nil, false
}

// resolveCallID recovers the most recent tool_call id for this run and tool
// name. The provider layer does not hand the id to the wrapped
// implementation, so it is re-derived from the log.
func resolveCallID(cols *eventlog.Collections, runID types.RunID, tool string) (string, bool) {
	for i := len(cols.Messages) - 1; i >= 0; i-- {
		m := cols.Messages[i]
		if m.Role == types.RoleToolCall && m.RunID == runID && m.ToolName == tool {
			return m.ToolCallID, true
		}
	}
	return "", false
}

// RemoteTool wraps a remote tool descriptor so its execution defers to the
// bridge. The returned Exec yields briefly, re-reads the log to find its own
// tool_call message, then blocks until the remote side publishes a result or
// the timeout elapses.
func (b *Bridge) RemoteTool(stream types.SessionID, runID types.RunID, name, description string, params json.RawMessage) llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.Function{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
		Exec: func(ctx context.Context, _ json.RawMessage) (string, error) {
			time.Sleep(settleDelay)

			toolCallID, err := b.awaitCallID(ctx, stream, runID, name)
			if err != nil {
				return "", err
			}

			result, err := b.WaitForResult(ctx, stream, toolCallID)
			if err != nil {
				return "", err
			}
			return string(result), nil
		},
	}
}

// awaitCallID polls briefly for the coordinator's tool_call message to land
// in the log. The append races with the provider invoking Exec, so the
// first read may miss it.
func (b *Bridge) awaitCallID(ctx context.Context, stream types.SessionID, runID types.RunID, tool string) (string, error) {
	view := eventlog.NewView(b.log, stream)

	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		if err := view.Refresh(ctx); err != nil {
			return "", fmt.Errorf("refresh stream: %w", err)
		}
		if id, ok := resolveCallID(view.Collections(), runID, tool); ok {
			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w: tool_call for %s never appeared in stream", llm.ErrAbort, tool)
		case <-tick.C:
		}
	}
}
