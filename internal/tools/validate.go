// internal/tools/validate.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/user/cadpilot/pkg/llm"
)

// Validated wraps a local implementation so its arguments are checked
// against the tool's JSON Schema before execution. Invalid arguments are
// reported back to the model as a failed call rather than executing with
// garbage.
func Validated(def *Definition) llm.ToolFunc {
	schema, err := jsonschema.CompileString(def.Name+".json", string(def.Parameters))
	if err != nil {
		// A broken schema is a programming error in the catalog; surface it
		// on every call rather than silently skipping validation.
		return func(context.Context, json.RawMessage) (string, error) {
			return "", fmt.Errorf("compile schema for %s: %w", def.Name, err)
		}
	}

	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var doc any
		if err := json.Unmarshal(args, &doc); err != nil {
			return "", fmt.Errorf("arguments are not valid JSON: %w", err)
		}
		if err := schema.Validate(doc); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", def.Name, err)
		}
		return def.Exec(ctx, args)
	}
}
