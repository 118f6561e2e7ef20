// Package llm provides a provider-neutral abstraction over chat model APIs.
//
// The gateway talks to every upstream through the Client interface. A Client
// is bound to one credential slot (API key and base URL) when it is built by a
// ClientFactory registered in a ProviderRegistry.
//
// # Core Concepts
//
//  1. Messages: Message carries a role and content blocks (text, tool use,
//     tool result).
//
//  2. Responses: a Response is either a final answer (text blocks only) or a
//     set of tool requests (tool_use blocks). Adapters map each provider's
//     function-calling format onto this shape.
//
//  3. Streams: Stream yields text deltas as they arrive. Tool calls are
//     delivered as a single content_block event carrying the complete
//     ToolUseBlock once the provider has finished sending its arguments.
//
//  4. Middleware: Middleware and StreamMiddleware decorate a Client with
//     cross-cutting concerns such as logging and metrics.
//
//  5. Errors: Error normalises provider failures into a small set of types.
//     Unparseable upstream output is reported as ErrorTypeMalformed.
//
// Usage Example
//
//	registry := llm.NewProviderRegistry()
//	registry.Register(llm.ProviderOpenAI, openai.NewClientFactory(nil))
//
//	client, err := registry.NewClient(llm.ClientKey{
//	    Provider: llm.ProviderOpenAI,
//	    APIKey:   slot.APIKey,
//	    BaseURL:  slot.BaseURL,
//	})
//
//	resp, err := client.Synchronous(ctx, &llm.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hello!")},
//	})
package llm
