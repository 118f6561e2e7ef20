package ollama

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/ollama/ollama/api"
	"github.com/samber/lo"
)

// newChatRequest builds an Ollama chat request. MaxTokens and Temperature
// travel as the num_predict and temperature options.
func newChatRequest(req *llm.Request, fallbackModel string, stream bool) (*api.ChatRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	model := lo.CoalesceOrEmpty(req.Model, fallbackModel)
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	var msgs []api.Message
	if req.System != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		msgs = append(msgs, toChatMessages(msg)...)
	}

	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = int(req.MaxTokens)
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options:  options,
	}
	for _, spec := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, toTool(spec))
	}
	return chatReq, nil
}

// toChatMessages converts one turn. Tool results follow the turn as
// separate "tool" messages.
func toChatMessages(msg llm.Message) []api.Message {
	head := api.Message{Role: string(msg.Role)}
	var (
		parts   []string
		results []api.Message
	)
	for _, block := range msg.Content {
		switch {
		case block.Type == llm.ContentBlockTypeText && block.Text != "":
			parts = append(parts, block.Text)
		case block.Type == llm.ContentBlockTypeToolUse && block.ToolUse != nil:
			head.ToolCalls = append(head.ToolCalls, api.ToolCall{
				Function: api.ToolCallFunction{
					Name:      block.ToolUse.Name,
					Arguments: api.ToolCallFunctionArguments(block.ToolUse.Input),
				},
			})
		case block.Type == llm.ContentBlockTypeToolResult && block.ToolResult != nil:
			results = append(results, api.Message{Role: "tool", Content: block.ToolResult.Content})
		}
	}
	head.Content = strings.Join(parts, "\n")

	if len(parts) == 0 && len(head.ToolCalls) == 0 {
		return results
	}
	return append([]api.Message{head}, results...)
}

// toTool renders a tool spec. Properties without a declared type are
// advertised as strings.
func toTool(spec llm.ToolSpec) api.Tool {
	props := make(map[string]api.ToolProperty, len(spec.Schema.Properties))
	for name, raw := range spec.Schema.Properties {
		prop := api.ToolProperty{Type: []string{propertyType(raw)}}
		if def, ok := raw.(map[string]any); ok {
			prop.Description, _ = def["description"].(string)
		}
		props[name] = prop
	}

	return api.Tool{
		Type: "function",
		Function: api.ToolFunction{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters: api.ToolFunctionParameters{
				Type:       lo.CoalesceOrEmpty(spec.Schema.Type, "object"),
				Properties: props,
				Required:   spec.Schema.Required,
			},
		},
	}
}

func propertyType(def any) string {
	if m, ok := def.(map[string]any); ok {
		if t, ok := m["type"].(string); ok && t != "" {
			return t
		}
	}
	return "string"
}

// toolCallDecoder turns Ollama tool calls into ToolUseBlocks. Small local
// models often quote numbers and booleans, so argument values are coerced
// to the types declared by the matching tool spec where that is lossless.
type toolCallDecoder struct {
	specs map[string]llm.ToolSpec
	seen  int
}

func newToolCallDecoder(specs []llm.ToolSpec) *toolCallDecoder {
	return &toolCallDecoder{specs: lo.KeyBy(specs, func(s llm.ToolSpec) string { return s.Name })}
}

// decode converts call. Ollama assigns no call ids, so one is derived from
// the name and the call's position in the response.
func (d *toolCallDecoder) decode(call api.ToolCall) *llm.ToolUseBlock {
	name := call.Function.Name
	input := make(map[string]any, len(call.Function.Arguments))
	props := d.specs[name].Schema.Properties
	for k, v := range call.Function.Arguments {
		input[k] = coerceArgument(v, propertyType(props[k]))
	}
	use := &llm.ToolUseBlock{ID: fmt.Sprintf("call_%s_%d", name, d.seen), Name: name, Input: input}
	d.seen++
	return use
}

// coerceArgument converts a string value to the declared scalar type. Values
// that do not parse are returned unchanged for the tool to reject.
func coerceArgument(v any, declared string) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	switch declared {
	case "integer":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return v
}

// fromChatResponse converts a completed, non-streamed chat response.
func fromChatResponse(chatResp api.ChatResponse, tools []llm.ToolSpec) *llm.Response {
	resp := &llm.Response{
		Usage: &llm.Usage{
			InputTokens:  int64(chatResp.PromptEvalCount),
			OutputTokens: int64(chatResp.EvalCount),
		},
		StopReason: lo.CoalesceOrEmpty(chatResp.DoneReason, "stop"),
	}
	if chatResp.Message.Content != "" {
		resp.Content = append(resp.Content, llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: chatResp.Message.Content})
	}
	decoder := newToolCallDecoder(tools)
	for _, call := range chatResp.Message.ToolCalls {
		resp.Content = append(resp.Content, llm.ContentBlock{Type: llm.ContentBlockTypeToolUse, ToolUse: decoder.decode(call)})
	}
	return resp
}
