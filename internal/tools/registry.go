// Package tools holds the typed tool registry. Every tool is registered
// under a single identifier with its input schema, a local-or-remote flag,
// and (for local tools) an implementation; string-keyed dispatch happens in
// exactly one place, here.
package tools

import (
	"encoding/json"
	"sort"

	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/pkg/llm"
)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	// Parameters is the JSON Schema for the tool's arguments.
	Parameters json.RawMessage
	// Remote marks tools that can only execute in the client-side editor
	// context; their execution defers to the bridge.
	Remote bool
	// Exec is the local implementation. Nil for remote tools.
	Exec llm.ToolFunc
}

// Registry maps surface contexts to their tool catalogs.
type Registry struct {
	byContext map[types.Context][]*Definition
	byName    map[types.Context]map[string]*Definition
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		byContext: make(map[types.Context][]*Definition),
		byName:    make(map[types.Context]map[string]*Definition),
	}
}

// Register adds a tool to the catalog for the given context.
func (r *Registry) Register(ctx types.Context, def *Definition) {
	if _, ok := r.byName[ctx]; !ok {
		r.byName[ctx] = make(map[string]*Definition)
	}
	if _, exists := r.byName[ctx][def.Name]; exists {
		return
	}
	r.byName[ctx][def.Name] = def
	r.byContext[ctx] = append(r.byContext[ctx], def)
}

// Lookup returns the definition of a named tool in the given context.
func (r *Registry) Lookup(ctx types.Context, name string) (*Definition, bool) {
	defs, ok := r.byName[ctx]
	if !ok {
		return nil, false
	}
	def, ok := defs[name]
	return def, ok
}

// All returns the definitions for a context in registration order.
func (r *Registry) All(ctx types.Context) []*Definition {
	return r.byContext[ctx]
}

// Names returns the sorted tool names for a context.
func (r *Registry) Names(ctx types.Context) []string {
	defs := r.byContext[ctx]
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}
