package openai

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"
)

var wireRoles = map[llm.MessageRole]string{
	llm.RoleUser:      openai.ChatMessageRoleUser,
	llm.RoleAssistant: openai.ChatMessageRoleAssistant,
	llm.RoleSystem:    openai.ChatMessageRoleSystem,
}

// newChatRequest builds a chat completion request. req.System, when set, is
// sent as a leading system message.
func newChatRequest(req *llm.Request, fallbackModel string, stream bool) (openai.ChatCompletionRequest, error) {
	if req == nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("request is required")
	}
	model := lo.CoalesceOrEmpty(req.Model, fallbackModel)
	if model == "" {
		return openai.ChatCompletionRequest{}, fmt.Errorf("model is required")
	}

	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		converted, err := toChatMessages(msg)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		msgs = append(msgs, converted...)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		Stream:    stream,
		MaxTokens: int(max(req.MaxTokens, 0)),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = lo.Map(req.Tools, func(spec llm.ToolSpec, _ int) openai.Tool { return toTool(spec) })
		chatReq.ToolChoice = "auto"
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	return chatReq, nil
}

// toChatMessages converts one conversation turn. Text and tool calls share a
// single message; each tool result becomes its own "tool" message after it.
func toChatMessages(msg llm.Message) ([]openai.ChatCompletionMessage, error) {
	head := openai.ChatCompletionMessage{Role: lo.ValueOr(wireRoles, msg.Role, openai.ChatMessageRoleUser)}
	var (
		parts   []string
		results []openai.ChatCompletionMessage
	)
	for _, block := range msg.Content {
		switch {
		case block.Type == llm.ContentBlockTypeText:
			parts = append(parts, block.Text)
		case block.Type == llm.ContentBlockTypeToolUse && block.ToolUse != nil:
			args, err := json.Marshal(block.ToolUse.Input)
			if err != nil {
				return nil, fmt.Errorf("encode arguments of tool call %q: %w", block.ToolUse.Name, err)
			}
			head.ToolCalls = append(head.ToolCalls, openai.ToolCall{
				ID:       block.ToolUse.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: block.ToolUse.Name, Arguments: string(args)},
			})
		case block.Type == llm.ContentBlockTypeToolResult && block.ToolResult != nil:
			results = append(results, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    block.ToolResult.Content,
				ToolCallID: block.ToolResult.ID,
			})
		}
	}
	head.Content = strings.Join(parts, "\n")

	if len(parts) == 0 && len(head.ToolCalls) == 0 {
		return results, nil
	}
	return append([]openai.ChatCompletionMessage{head}, results...), nil
}

// toTool renders a tool spec as a function definition. A schema without a
// type is an object.
func toTool(spec llm.ToolSpec) openai.Tool {
	params := map[string]any{
		"type":       lo.CoalesceOrEmpty(spec.Schema.Type, "object"),
		"properties": lo.CoalesceMapOrEmpty(spec.Schema.Properties),
	}
	if len(spec.Schema.Required) > 0 {
		params["required"] = spec.Schema.Required
	}
	maps.Copy(params, spec.Schema.ExtraFields)

	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		},
	}
}

// fromChatResponse converts the first choice of a completion.
func fromChatResponse(chatResp openai.ChatCompletionResponse) (*llm.Response, error) {
	if len(chatResp.Choices) == 0 {
		return nil, llm.NewMalformedResponseError("OpenAI response has no choices", nil)
	}
	choice := chatResp.Choices[0]

	resp := &llm.Response{
		Usage: &llm.Usage{
			InputTokens:  int64(chatResp.Usage.PromptTokens),
			OutputTokens: int64(chatResp.Usage.CompletionTokens),
		},
		StopReason: stopReason(choice.FinishReason),
	}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		input, err := parseToolArguments(call.Function.Name, call.Function.Arguments)
		if err != nil {
			return nil, err
		}
		resp.Content = append(resp.Content, llm.ContentBlock{
			Type:    llm.ContentBlockTypeToolUse,
			ToolUse: &llm.ToolUseBlock{ID: call.ID, Name: call.Function.Name, Input: input},
		})
	}
	return resp, nil
}

func stopReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool_calls"
	default:
		return "stop"
	}
}

// parseToolArguments decodes the JSON argument string of a tool call. Blank
// arguments are an empty object.
func parseToolArguments(name, args string) (map[string]any, error) {
	input := map[string]any{}
	if strings.TrimSpace(args) == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return nil, llm.NewMalformedResponseError(fmt.Sprintf("tool call %q has invalid arguments", name), err)
	}
	return input, nil
}
