package schemas

// CodeSchemas returns schemas for code execution tools.
func CodeSchemas() map[string]ToolSchema {
	return map[string]ToolSchema{
		CodeInterpreter: {
			Description: "Python code interpreter. ALWAYS PRINT VARIABLES TO SHOW THE VALUE. Each run starts from a fresh interpreter, so send the whole script every time and print your outputs. The script must be pure python code. Scripts that delete files, spawn shells or call out to the network are blocked.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code": map[string]any{
						"type":        "string",
						"description": "Python source to execute",
					},
				},
				"required": []string{"code"},
			},
		},
	}
}
