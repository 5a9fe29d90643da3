package agent

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// OptionsDeclarer is implemented by runtimes that publish a JSON Schema
// for ExecuteRequest.Options. Callers validate inbound options against
// it before starting an execution.
type OptionsDeclarer interface {
	OptionsSchema() *jsonschema.Schema
}

// ValidateOptions checks opts against the runtime's declared schema.
// Runtimes without a schema accept any options.
func ValidateOptions(rt Runtime, opts map[string]any) error {
	decl, ok := rt.(OptionsDeclarer)
	if !ok {
		return nil
	}
	schema := decl.OptionsSchema()
	if schema == nil {
		return nil
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("invalid options schema for runtime %s: %w", rt.Name(), err)
	}

	if opts == nil {
		opts = map[string]any{}
	}
	if err := resolved.Validate(opts); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
