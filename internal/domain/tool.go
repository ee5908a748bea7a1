package domain

// ToolDefinition describes one tool exposed over the tool endpoint (spec
// §4.7). Namespaced by the owning module (or "core" for the fixed set).
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema ToolInputSchema
}

// ToolInputSchema is a minimal JSON-Schema-shaped argument declaration.
type ToolInputSchema struct {
	Type       string
	Properties map[string]SchemaProperty
	Required   []string
}

// SchemaProperty describes one argument.
type SchemaProperty struct {
	Type        string
	Description string
	Enum        []string
	Default     any
}
