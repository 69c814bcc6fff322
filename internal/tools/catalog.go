// internal/tools/catalog.go
package tools

import (
	"time"

	"github.com/user/cadpilot/internal/approval"
	"github.com/user/cadpilot/internal/bridge"
	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/pkg/llm"
)

// CatalogParams carries the per-run wiring needed to turn definitions into
// executable tools.
type CatalogParams struct {
	Context types.Context
	Stream  types.SessionID
	RunID   types.RunID
	Log     eventlog.Log
	Bridge  *bridge.Bridge
	Prefs   *approval.Preferences
	// ApprovalTimeout bounds the wait for confirm-level local tools.
	ApprovalTimeout time.Duration
}

// Catalog resolves the context's definitions into model-ready tools: remote
// tools defer to the bridge, confirm-level local tools wait for approval,
// and every local implementation validates its arguments first.
func (r *Registry) Catalog(p CatalogParams) []llm.Tool {
	defs := r.All(p.Context)
	out := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Remote {
			out = append(out, p.Bridge.RemoteTool(p.Stream, p.RunID, def.Name, def.Description, def.Parameters))
			continue
		}

		exec := Validated(def)
		if approval.ForTool(def.Name, p.Context, p.Prefs) == approval.Confirm {
			exec = Gated(p.Log, p.Stream, p.RunID, def, p.ApprovalTimeout)
		}

		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
			Exec: exec,
		})
	}
	return out
}
