// Package approval classifies tool calls by how much authorization they need
// before executing.
package approval

import (
	"github.com/user/cadpilot/internal/types"
)

// Level is the authorization class for a tool call.
type Level string

const (
	// Auto executes immediately with no user interaction.
	Auto Level = "auto"
	// Notify executes immediately but is surfaced prominently to the user.
	Notify Level = "notify"
	// Confirm blocks execution until the user explicitly approves.
	Confirm Level = "confirm"
)

// Preferences are per-user overrides layered on top of the static rules.
type Preferences struct {
	// AutoApproveAll short-circuits every other rule.
	AutoApproveAll bool `json:"auto_approve_all,omitempty"`
	// AllowTools always auto-approves the named tools.
	AllowTools []string `json:"allow_tools,omitempty"`
	// DenyTools always requires confirmation for the named tools.
	DenyTools []string `json:"deny_tools,omitempty"`
}

// destructiveDashboardTools are the dashboard operations that require
// confirmation because they discard data. Everything else on the dashboard
// (reads, creates, renames, moves) auto-approves, and unrecognized tools are
// deliberately permissive rather than defaulting to confirm.
var destructiveDashboardTools = map[string]bool{
	"delete_document":  true,
	"delete_folder":    true,
	"delete_branch":    true,
	"delete_workspace": true,
	"delete_project":   true,
}

// Destructive reports whether the named tool is one of the dashboard
// operations that discards data.
func Destructive(tool string) bool {
	return destructiveDashboardTools[normalize(tool)]
}

// ForTool returns the approval level for a tool in the given context with
// user preferences applied. Precedence, first match wins: global
// auto-approve, per-tool allow list, per-tool deny list, static context
// rules, then the context default.
func ForTool(tool string, context types.Context, prefs *Preferences) Level {
	if prefs != nil {
		if prefs.AutoApproveAll {
			return Auto
		}
		for _, t := range prefs.AllowTools {
			if t == tool {
				return Auto
			}
		}
		for _, t := range prefs.DenyTools {
			if t == tool {
				return Confirm
			}
		}
	}
	return DefaultLevel(tool, context)
}

// DefaultLevel performs the static lookup, ignoring user overrides. Used for
// display and preview.
func DefaultLevel(tool string, context types.Context) Level {
	switch context {
	case types.ContextDashboard:
		if destructiveDashboardTools[normalize(tool)] {
			return Confirm
		}
		return Auto
	case types.ContextEditor:
		// Editor edits are reversible through the collaborative document
		// log, so every tool auto-approves there.
		return Auto
	default:
		return Auto
	}
}

// normalize maps camelCase tool names onto their snake_case form so both
// spellings hit the same rule (the front-end and the model do not agree on
// a convention).
func normalize(tool string) string {
	out := make([]byte, 0, len(tool)+4)
	for i := 0; i < len(tool); i++ {
		c := tool[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			out = append(out, c-'A'+'a')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
