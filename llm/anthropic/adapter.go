package anthropic

import (
	"encoding/json"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/samber/lo"
)

// defaultMaxTokens is sent when the request leaves MaxTokens unset; the
// Messages API requires a value.
const defaultMaxTokens = 1024

// newMessageParams builds the Messages API body for req. fallbackModel is
// used when req names no model.
func newMessageParams(req *llm.Request, fallbackModel string) (anthropic.MessageNewParams, error) {
	var params anthropic.MessageNewParams
	if req == nil {
		return params, fmt.Errorf("request is required")
	}
	model := lo.CoalesceOrEmpty(req.Model, fallbackModel)
	if model == "" {
		return params, fmt.Errorf("model is required")
	}

	params.Model = anthropic.Model(model)
	params.MaxTokens = lo.Ternary(req.MaxTokens > 0, req.MaxTokens, defaultMaxTokens)
	params.Messages = toMessageParams(req.Messages)
	params.Tools = toToolParams(req.Tools)
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params, nil
}

// toMessageParams converts the conversation into Anthropic turns. The
// Messages API has no system role inside the list and rejects two turns in
// a row from the same side, so system messages become user text and
// adjacent turns of one side are joined.
func toMessageParams(msgs []llm.Message) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		pending []anthropic.ContentBlockParamUnion
		side    llm.MessageRole
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if side == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(pending...))
		} else {
			out = append(out, anthropic.NewUserMessage(pending...))
		}
		pending = nil
	}

	for _, msg := range msgs {
		blocks := toBlockParams(msg.Content)
		if len(blocks) == 0 {
			continue
		}
		role := lo.Ternary(msg.Role == llm.RoleAssistant, llm.RoleAssistant, llm.RoleUser)
		if role != side {
			flush()
			side = role
		}
		pending = append(pending, blocks...)
	}
	flush()
	return out
}

func toBlockParams(content []llm.ContentBlock) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, block := range content {
		switch {
		case block.Type == llm.ContentBlockTypeText && block.Text != "":
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
		case block.Type == llm.ContentBlockTypeToolUse && block.ToolUse != nil:
			use := block.ToolUse
			blocks = append(blocks, anthropic.NewToolUseBlock(use.ID, use.Input, use.Name))
		case block.Type == llm.ContentBlockTypeToolResult && block.ToolResult != nil:
			res := block.ToolResult
			blocks = append(blocks, anthropic.NewToolResultBlock(res.ID, res.Content, res.IsError))
		}
	}
	return blocks
}

func toToolParams(specs []llm.ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	return lo.Map(specs, func(spec llm.ToolSpec, _ int) anthropic.ToolUnionParam {
		tool := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties:  spec.Schema.Properties,
				Required:    spec.Schema.Required,
				ExtraFields: spec.Schema.ExtraFields,
			},
		}
		return anthropic.ToolUnionParam{OfTool: &tool}
	})
}

// fromMessage converts a completed Anthropic message. Thinking and other
// block kinds are dropped.
func fromMessage(message *anthropic.Message) (*llm.Response, error) {
	resp := &llm.Response{
		Content: make([]llm.ContentBlock, 0, len(message.Content)),
		Usage: &llm.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
		StopReason: string(message.StopReason),
	}
	for _, union := range message.Content {
		switch block := union.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content = append(resp.Content, llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: block.Text})
		case anthropic.ToolUseBlock:
			input, err := decodeToolInput(block.Name, block.Input)
			if err != nil {
				return nil, err
			}
			resp.Content = append(resp.Content, llm.ContentBlock{
				Type:    llm.ContentBlockTypeToolUse,
				ToolUse: &llm.ToolUseBlock{ID: block.ID, Name: block.Name, Input: input},
			})
		}
	}
	return resp, nil
}

// decodeToolInput turns tool arguments into a map. Empty or null input
// yields an empty map.
func decodeToolInput(name string, raw any) (map[string]any, error) {
	var data []byte
	switch v := raw.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, llm.NewMalformedResponseError(fmt.Sprintf("tool call %q has invalid input", name), err)
		}
	}

	input := map[string]any{}
	if len(data) == 0 || string(data) == "null" {
		return input, nil
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, llm.NewMalformedResponseError(fmt.Sprintf("tool call %q has invalid input", name), err)
	}
	return input, nil
}
