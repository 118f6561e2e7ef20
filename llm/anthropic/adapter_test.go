package anthropic

import (
	"encoding/json"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/chatgw/llm"
)

func TestToMessageParamsJoinsAdjacentTurns(t *testing.T) {
	msgs := []llm.Message{
		llm.NewTextMessage(llm.RoleSystem, "be brief"),
		llm.NewTextMessage(llm.RoleUser, "hi"),
		llm.NewToolUseMessage([]llm.ToolUseBlock{{ID: "t1", Name: "search", Input: map[string]any{"q": "go"}}}),
		llm.NewToolResultMessage([]llm.ToolResultBlock{{ID: "t1", Content: "results"}}),
		{Role: llm.RoleUser},
		llm.NewTextMessage(llm.RoleUser, "and?"),
		llm.NewTextMessage(llm.RoleAssistant, ""),
	}

	got := toMessageParams(msgs)
	want := []struct {
		role   anthropic.MessageParamRole
		blocks int
	}{
		{anthropic.MessageParamRoleUser, 2},
		{anthropic.MessageParamRoleAssistant, 1},
		{anthropic.MessageParamRoleUser, 2},
	}
	if len(got) != len(want) {
		t.Fatalf("len(toMessageParams()) = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Role != w.role || len(got[i].Content) != w.blocks {
			t.Errorf("turn %d = %s with %d blocks, want %s with %d", i, got[i].Role, len(got[i].Content), w.role, w.blocks)
		}
	}
}

func TestNewMessageParamsDefaults(t *testing.T) {
	temp := 0.2
	params, err := newMessageParams(&llm.Request{
		Messages:    []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")},
		System:      "sys",
		Temperature: &temp,
		Tools:       []llm.ToolSpec{{Name: "search", Description: "web search"}},
	}, "claude-3-5-haiku-latest")
	if err != nil {
		t.Fatalf("newMessageParams() error = %v", err)
	}
	if params.Model != "claude-3-5-haiku-latest" || params.MaxTokens != defaultMaxTokens {
		t.Errorf("model = %q, max tokens = %d", params.Model, params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "sys" {
		t.Errorf("system = %+v", params.System)
	}
	if len(params.Tools) != 1 || params.Tools[0].OfTool == nil || params.Tools[0].OfTool.Name != "search" {
		t.Errorf("tools = %+v", params.Tools)
	}

	if _, err := newMessageParams(&llm.Request{}, ""); err == nil {
		t.Error("expected error without a model")
	}
	if _, err := newMessageParams(nil, "m"); err == nil {
		t.Error("expected error for nil request")
	}
}

func TestFromMessage(t *testing.T) {
	var msg anthropic.Message
	raw := `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "m",
		"content": [
			{"type": "text", "text": "looking"},
			{"type": "tool_use", "id": "t1", "name": "search", "input": {"query": "go"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 11, "output_tokens": 7}
	}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	resp, err := fromMessage(&msg)
	if err != nil {
		t.Fatalf("fromMessage() error = %v", err)
	}
	if resp.Text() != "looking" || resp.StopReason != "tool_use" {
		t.Errorf("text = %q, stop = %q", resp.Text(), resp.StopReason)
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "search" || uses[0].Input["query"] != "go" {
		t.Errorf("tool uses = %+v", uses)
	}
}

func TestDecodeToolInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		wantLen int
		wantErr bool
	}{
		{name: "object", raw: json.RawMessage(`{"a":1,"b":"x"}`), wantLen: 2},
		{name: "null", raw: json.RawMessage(`null`)},
		{name: "empty", raw: json.RawMessage(nil)},
		{name: "map", raw: map[string]any{"a": 1}, wantLen: 1},
		{name: "array", raw: json.RawMessage(`[1,2]`), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeToolInput("search", tt.raw)
			if tt.wantErr {
				if !llm.IsMalformedResponseError(err) {
					t.Errorf("error = %v, want malformed response", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeToolInput() error = %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}
