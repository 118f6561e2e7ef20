// Package schemas contains tool schema definitions for the gateway tools.
// These schemas define the input parameters and descriptions the model sees
// when tools are bound to a request.
package schemas

// Tool names as exposed to the model.
const (
	Search          = "search"
	URLCrawler      = "url_crawler"
	CodeInterpreter = "code_interpreter"
)

// ToolSchema represents a tool's description and JSON schema.
type ToolSchema struct {
	Description string
	Schema      map[string]any
}

// All returns all tool schemas from all categories.
func All() map[string]ToolSchema {
	schemas := make(map[string]ToolSchema)
	for name, schema := range WebSchemas() {
		schemas[name] = schema
	}
	for name, schema := range CodeSchemas() {
		schemas[name] = schema
	}
	return schemas
}

// Get returns the schema for a tool name.
func Get(name string) (ToolSchema, bool) {
	schema, ok := All()[name]
	return schema, ok
}
