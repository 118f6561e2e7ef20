package schemas

// WebSchemas returns schemas for the search and crawler tools.
func WebSchemas() map[string]ToolSchema {
	return map[string]ToolSchema{
		Search: {
			Description: "A web search API. Useful for when you need to answer questions about current events or facts you are not sure about. Input should be a search query.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
				},
				"required": []string{"query"},
			},
		},
		URLCrawler: {
			Description: "Fetches a web page and returns its title, description and text. Use this tool when the user's question contains a URL starting with http.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute http or https URL of the page to read",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}
