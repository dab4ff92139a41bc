// Package schemavalidate validates structured-output payloads and tool
// input schemas against standard JSON Schema, using
// github.com/santhosh-tekuri/jsonschema/v6.
package schemavalidate

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate compiles schema and checks instance against it. Both are
// expressed as plain Go values (map[string]any / []any / scalars), the
// shape produced by decoding JSON.
func Validate(instance any, schema map[string]any) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("schemavalidate: marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	var decoded any
	if err := json.Unmarshal(schemaJSON, &decoded); err != nil {
		return fmt.Errorf("schemavalidate: decode schema: %w", err)
	}
	const resourceName = "inline.json"
	if err := compiler.AddResource(resourceName, decoded); err != nil {
		return fmt.Errorf("schemavalidate: add resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("schemavalidate: compile schema: %w", err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("schemavalidate: validation failed: %w", err)
	}
	return nil
}
