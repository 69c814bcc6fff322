// internal/tools/gate.go
package tools

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
	// DefaultApprovalTimeout bounds how long a gated tool call waits for the
	// user's decision before the run gives up.
	DefaultApprovalTimeout = 5 * time.Minute
	gatePollInterval       = 200 * time.Millisecond
	gateSettleDelay        = 50 * time.Millisecond
)

// Gated wraps a local implementation so execution pauses while its
// tool_call message sits in pending status. An external approval action
// flips the message to running (approve) or error (deny) via a conditional
// update on the log; this wrapper observes the transition by polling.
func Gated(log eventlog.Log, stream types.SessionID, runID types.RunID, def *Definition, timeout time.Duration) llm.ToolFunc {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	inner := Validated(def)

	return func(ctx context.Context, args json.RawMessage) (string, error) {
		time.Sleep(gateSettleDelay)

		view := eventlog.NewView(log, stream)
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		tick := time.NewTicker(gatePollInterval)
		defer tick.Stop()

		for {
			if err := view.Refresh(ctx); err != nil {
				return "", fmt.Errorf("refresh stream: %w", err)
			}

			call, ok := latestCall(view.Collections(), runID, def.Name)
			if ok {
				switch call.Status {
				case types.MessageRunning, types.MessageComplete:
					return inner(ctx, args)
				case types.MessageError:
					return "", fmt.Errorf("tool call %s denied by user", def.Name)
				}
				// Still pending; keep waiting.
			}

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-deadline.C:
				return "", fmt.Errorf("%w: approval for %s not given within %s", llm.ErrAbort, def.Name, timeout)
			case <-tick.C:
			}
		}
	}
}

// latestCall finds the most recent tool_call message for this run and tool.
func latestCall(cols *eventlog.Collections, runID types.RunID, tool string) (*types.Message, bool) {
	for i := len(cols.Messages) - 1; i >= 0; i-- {
		m := cols.Messages[i]
		if m.Role == types.RoleToolCall && m.RunID == runID && m.ToolName == tool {
			return m, true
		}
	}
	return nil, false
}
