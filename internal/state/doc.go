// Package state provides filesystem-backed storage implementations.
package state

import (
	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/types"
)

// Compile-time interface compliance checks.
var _ eventlog.Log = (*LogStore)(nil)
var _ types.SessionStore = (*SessionStore)(nil)
