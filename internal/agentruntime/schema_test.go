package agentruntime

import "testing"

func TestBuildSchemaRequiredAndOptionalFields(t *testing.T) {
	schema := BuildSchema(runShellCommandInput{})

	if schema["type"] != "object" {
		t.Fatalf("expected object type, got %v", schema["type"])
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties map, got %T", schema["properties"])
	}
	if _, ok := props["command"]; !ok {
		t.Fatalf("expected command property, got %v", props)
	}
	if _, ok := props["timeout_seconds"]; !ok {
		t.Fatalf("expected timeout_seconds property, got %v", props)
	}

	required, ok := schema["required"].([]string)
	if !ok {
		t.Fatalf("expected required slice, got %T", schema["required"])
	}
	if len(required) != 1 || required[0] != "command" {
		t.Fatalf("expected only command to be required, got %v", required)
	}
}

func TestBuildSchemaDescriptions(t *testing.T) {
	schema := BuildSchema(readFileInput{})
	props := schema["properties"].(map[string]any)
	path := props["path"].(map[string]any)
	if path["description"] == "" {
		t.Fatalf("expected a description on path")
	}
	if path["type"] != "string" {
		t.Fatalf("expected string type, got %v", path["type"])
	}
}
