package agentruntime

import "reflect"

// BuildSchema derives a JSON-Schema-shaped map from a tagged Go struct value
// (a zero value or pointer is fine — only the type is inspected), using the
// same json + jsonschema tag convention as controlplane/mcpserver's tool
// input structs. This is the "one schema source" the agent runtime's tool
// registry and an external MCP client share: both read their parameter shape
// off the same tagged struct, the registry via this reflection helper and
// an MCP server via mcp.AddTool's own (separately implemented) reflection.
func BuildSchema(v any) map[string]any {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	properties := map[string]any{}
	var required []string

	if t == nil || t.Kind() != reflect.Struct {
		return map[string]any{"type": "object", "properties": properties}
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, omitempty := parseJSONTag(tag, field.Name)

		prop := map[string]any{"type": jsonTypeFor(field.Type)}
		if desc := field.Tag.Get("jsonschema"); desc != "" {
			prop["description"] = desc
		}
		properties[name] = prop
		if !omitempty {
			required = append(required, name)
		}
	}

	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func parseJSONTag(tag, fieldName string) (name string, omitempty bool) {
	name = fieldName
	if tag == "" {
		return name, false
	}
	part := tag
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			part = tag[:i]
			omitempty = tag[i:] != "" && containsOmitempty(tag[i:])
			break
		}
	}
	if part != "" {
		name = part
	}
	return name, omitempty
}

func containsOmitempty(s string) bool {
	const needle = "omitempty"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func jsonTypeFor(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}
