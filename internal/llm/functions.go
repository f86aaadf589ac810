package llm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
)

var schemaReflector = &jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
	ExpandedStruct: true,
}

// NewFunctionDefinition builds a function definition whose parameter schema is
// reflected from params, typically a pointer to an argument struct. Field
// descriptions come from `jsonschema:"description=..."` tags.
func NewFunctionDefinition(name, description string, params any) (FunctionDefinition, error) {
	if name == "" {
		return FunctionDefinition{}, errors.New("llm: function name is required")
	}
	if params == nil {
		return FunctionDefinition{}, fmt.Errorf("llm: function %q: params is nil", name)
	}

	schema := schemaReflector.Reflect(params)
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return FunctionDefinition{}, fmt.Errorf("llm: function %q: marshal schema: %w", name, err)
	}

	return FunctionDefinition{
		Name:        name,
		Description: description,
		Parameters:  raw,
	}, nil
}
