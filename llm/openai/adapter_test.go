package openai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aschepis/backscratcher/chatgw/llm"
	openai "github.com/sashabaranov/go-openai"
)

func TestNewChatRequest(t *testing.T) {
	temp := 0.5
	req := &llm.Request{
		System: "be brief",
		Messages: []llm.Message{
			llm.NewTextMessage(llm.RoleUser, "weather?"),
			llm.NewToolUseMessage([]llm.ToolUseBlock{{ID: "c1", Name: "search", Input: map[string]any{"query": "weather"}}}),
			llm.NewToolResultMessage([]llm.ToolResultBlock{{ID: "c1", Content: "sunny"}, {ID: "c2", Content: "warm"}}),
		},
		Tools:       []llm.ToolSpec{{Name: "search", Schema: llm.ToolSchema{Required: []string{"query"}}}},
		MaxTokens:   256,
		Temperature: &temp,
	}

	chatReq, err := newChatRequest(req, "gpt-4o-mini", true)
	if err != nil {
		t.Fatalf("newChatRequest() error = %v", err)
	}
	if chatReq.Model != "gpt-4o-mini" || !chatReq.Stream || chatReq.MaxTokens != 256 || chatReq.Temperature != 0.5 {
		t.Errorf("request = %+v", chatReq)
	}

	wantRoles := []string{
		openai.ChatMessageRoleSystem,
		openai.ChatMessageRoleUser,
		openai.ChatMessageRoleAssistant,
		openai.ChatMessageRoleTool,
		openai.ChatMessageRoleTool,
	}
	if len(chatReq.Messages) != len(wantRoles) {
		t.Fatalf("len(Messages) = %d, want %d", len(chatReq.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if chatReq.Messages[i].Role != role {
			t.Errorf("Messages[%d].Role = %q, want %q", i, chatReq.Messages[i].Role, role)
		}
	}
	call := chatReq.Messages[2].ToolCalls
	if len(call) != 1 || call[0].Function.Arguments != `{"query":"weather"}` {
		t.Errorf("tool calls = %+v", call)
	}
	if chatReq.Messages[4].ToolCallID != "c2" {
		t.Errorf("ToolCallID = %q, want c2", chatReq.Messages[4].ToolCallID)
	}

	params, ok := chatReq.Tools[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" || params["properties"] == nil {
		t.Errorf("tool parameters = %#v", chatReq.Tools[0].Function.Parameters)
	}
	if chatReq.ToolChoice != "auto" {
		t.Errorf("ToolChoice = %v", chatReq.ToolChoice)
	}
}

func TestNewChatRequestNeedsModel(t *testing.T) {
	if _, err := newChatRequest(&llm.Request{}, "", false); err == nil {
		t.Error("expected error without a model")
	}
	if _, err := newChatRequest(nil, "m", false); err == nil {
		t.Error("expected error for nil request")
	}
}

func TestFromChatResponse(t *testing.T) {
	resp, err := fromChatResponse(openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Content: "checking",
				ToolCalls: []openai.ToolCall{{
					ID:       "c1",
					Function: openai.FunctionCall{Name: "search", Arguments: `{"query":"go"}`},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
		Usage: openai.Usage{PromptTokens: 9, CompletionTokens: 4},
	})
	if err != nil {
		t.Fatalf("fromChatResponse() error = %v", err)
	}
	if resp.Text() != "checking" || resp.StopReason != "tool_calls" {
		t.Errorf("text = %q, stop = %q", resp.Text(), resp.StopReason)
	}
	if uses := resp.ToolUses(); len(uses) != 1 || uses[0].Input["query"] != "go" {
		t.Errorf("tool uses = %+v", uses)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if _, err := fromChatResponse(openai.ChatCompletionResponse{}); !llm.IsMalformedResponseError(err) {
		t.Errorf("empty choices error = %v, want malformed", err)
	}
	bad := openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{ToolCalls: []openai.ToolCall{{Function: openai.FunctionCall{Name: "x", Arguments: "{"}}}},
	}}}
	if _, err := fromChatResponse(bad); !llm.IsMalformedResponseError(err) {
		t.Errorf("bad arguments error = %v, want malformed", err)
	}
}

func TestConvertOpenAIError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantType      llm.ErrorType
		wantRetryable bool
	}{
		{name: "rate limit", err: &openai.APIError{HTTPStatusCode: 429, Message: "slow"}, wantType: llm.ErrorTypeRateLimit, wantRetryable: true},
		{name: "auth", err: &openai.APIError{HTTPStatusCode: 401}, wantType: llm.ErrorTypeAuthentication},
		{name: "bad request", err: &openai.APIError{HTTPStatusCode: 400}, wantType: llm.ErrorTypeInvalidRequest},
		{name: "server", err: fmt.Errorf("call: %w", &openai.RequestError{HTTPStatusCode: 503}), wantType: llm.ErrorTypeProvider, wantRetryable: true},
		{name: "transport", err: errors.New("connection reset"), wantType: llm.ErrorTypeNetwork, wantRetryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var llmErr *llm.Error
			if !errors.As(convertOpenAIError(tt.err), &llmErr) {
				t.Fatalf("convertOpenAIError() did not return *llm.Error")
			}
			if llmErr.Type != tt.wantType || llmErr.Retryable != tt.wantRetryable {
				t.Errorf("got %s retryable=%v, want %s retryable=%v", llmErr.Type, llmErr.Retryable, tt.wantType, tt.wantRetryable)
			}
		})
	}

	if err := convertOpenAIError(context.Canceled); err != context.Canceled {
		t.Errorf("context error was rewritten: %v", err)
	}
}
