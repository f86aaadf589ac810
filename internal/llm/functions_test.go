package llm

import (
	"encoding/json"
	"testing"
)

type readFileArgs struct {
	Path  string `json:"path" jsonschema:"description=File to read"`
	Limit int    `json:"limit,omitempty"`
}

func TestNewFunctionDefinition(t *testing.T) {
	fn, err := NewFunctionDefinition("read_file", "Read a file", &readFileArgs{})
	if err != nil {
		t.Fatalf("NewFunctionDefinition: %v", err)
	}
	if fn.Name != "read_file" || fn.Description != "Read a file" {
		t.Fatalf("unexpected definition: %#v", fn)
	}

	var schema map[string]any
	if err := json.Unmarshal(fn.Parameters, &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("expected object schema, got %#v", schema["type"])
	}
	if _, ok := schema["$schema"]; ok {
		t.Fatalf("schema version should be stripped")
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("missing properties: %s", fn.Parameters)
	}
	path, ok := props["path"].(map[string]any)
	if !ok || path["description"] != "File to read" {
		t.Fatalf("unexpected path property: %#v", props["path"])
	}
	if _, ok := props["limit"]; !ok {
		t.Fatalf("missing limit property")
	}
}

func TestNewFunctionDefinitionRequiresName(t *testing.T) {
	if _, err := NewFunctionDefinition("", "", &readFileArgs{}); err == nil {
		t.Fatalf("expected error for empty name")
	}
}
