package llm

import (
	"strings"

	"github.com/samber/lo"
)

// MessageRole is the speaker of a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

var knownRoles = []MessageRole{RoleUser, RoleAssistant, RoleSystem}

// ParseRole maps a wire role string to a MessageRole. Case and surrounding
// blanks are ignored.
func ParseRole(role string) (MessageRole, bool) {
	r := MessageRole(strings.ToLower(strings.TrimSpace(role)))
	if lo.Contains(knownRoles, r) {
		return r, true
	}
	return "", false
}

// ContentBlockType tags the variant held by a ContentBlock.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one piece of a message. Exactly one of Text, ToolUse and
// ToolResult is meaningful, as selected by Type.
type ContentBlock struct {
	Type       ContentBlockType
	Text       string
	ToolUse    *ToolUseBlock
	ToolResult *ToolResultBlock
}

// ToolUseBlock is a tool call requested by the model. Input holds the
// decoded JSON arguments.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock answers the ToolUseBlock with the same ID.
type ToolResultBlock struct {
	ID      string
	Content string
	IsError bool
}

// Message is a provider-neutral conversation turn.
type Message struct {
	Role    MessageRole
	Content []ContentBlock
}

// Text joins the message's text blocks.
func (m Message) Text() string {
	return joinText(m.Content)
}

func joinText(blocks []ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == ContentBlockTypeText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// NewTextMessage returns a message holding a single text block.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: ContentBlockTypeText, Text: text}}}
}

// NewToolUseMessage returns the assistant turn that requested uses. Each
// block points into uses, so the slice must not be reused by the caller.
func NewToolUseMessage(uses []ToolUseBlock) Message {
	return Message{
		Role: RoleAssistant,
		Content: lo.Map(uses, func(_ ToolUseBlock, i int) ContentBlock {
			return ContentBlock{Type: ContentBlockTypeToolUse, ToolUse: &uses[i]}
		}),
	}
}

// NewToolResultMessage returns the user turn that carries tool output back
// to the model.
func NewToolResultMessage(results []ToolResultBlock) Message {
	return Message{
		Role: RoleUser,
		Content: lo.Map(results, func(_ ToolResultBlock, i int) ContentBlock {
			return ContentBlock{Type: ContentBlockTypeToolResult, ToolResult: &results[i]}
		}),
	}
}

// ToolSchema is the JSON schema of a tool's arguments. ExtraFields is merged
// into the schema object verbatim.
type ToolSchema struct {
	Type        string
	Properties  map[string]any
	Required    []string
	ExtraFields map[string]any
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      ToolSchema
}

// Request is a single model call. An empty Model means the client's default.
// A nil Temperature leaves the provider default in place.
type Request struct {
	Model       string
	Messages    []Message
	System      string
	Tools       []ToolSpec
	MaxTokens   int64
	Temperature *float64
}

// Usage counts the tokens billed for one model call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the outcome of a synchronous call: either a final answer made
// of text blocks or a batch of tool requests.
type Response struct {
	Content    []ContentBlock
	Usage      *Usage
	StopReason string
}

// Text joins the response's text blocks.
func (r *Response) Text() string {
	return joinText(r.Content)
}

// ToolUses lists the requested tool calls in the order the model made them.
func (r *Response) ToolUses() []*ToolUseBlock {
	var uses []*ToolUseBlock
	for _, block := range r.Content {
		if block.Type == ContentBlockTypeToolUse && block.ToolUse != nil {
			uses = append(uses, block.ToolUse)
		}
	}
	return uses
}

type (
	StreamEventType string
	StreamDeltaType string
)

const (
	StreamEventTypeStart        StreamEventType = "start"
	StreamEventTypeContentBlock StreamEventType = "content_block"
	StreamEventTypeContentDelta StreamEventType = "content_delta"
	StreamEventTypeStop         StreamEventType = "stop"

	StreamDeltaTypeText    StreamDeltaType = "text"
	StreamDeltaTypeToolUse StreamDeltaType = "tool_use"
)

// StreamDelta is the payload of a content event. A tool use delta is only
// emitted once the call's arguments are complete and decoded.
type StreamDelta struct {
	Type    StreamDeltaType
	Text    string
	ToolUse *ToolUseBlock
}

// StreamEvent is one item read from a Stream. Usage is set on the stop
// event when the provider reports it.
type StreamEvent struct {
	Type  StreamEventType
	Delta *StreamDelta
	Usage *Usage
	Done  bool
}
