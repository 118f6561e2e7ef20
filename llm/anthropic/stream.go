package anthropic

import (
	"encoding/json"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/aschepis/backscratcher/chatgw/llm"
)

// anthropicStream implements the llm.Stream interface for Anthropic
// streaming responses. Each call to Next reads upstream events until one
// maps to an llm.StreamEvent.
type anthropicStream struct {
	stream    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	event     *llm.StreamEvent
	toolUse   *llm.ToolUseBlock
	toolInput strings.Builder
	usage     llm.Usage
	started   bool
	err       error
	done      bool
}

func newAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion]) *anthropicStream {
	return &anthropicStream{stream: stream}
}

// Next advances to the next event in the stream.
func (s *anthropicStream) Next() bool {
	if !s.started {
		s.started = true
		s.event = &llm.StreamEvent{Type: llm.StreamEventTypeStart}
		return true
	}
	if s.done || s.err != nil {
		return false
	}

	for s.stream.Next() {
		if ev := s.translate(s.stream.Current()); ev != nil {
			s.event = ev
			return true
		}
		if s.err != nil {
			return false
		}
	}

	if err := s.stream.Err(); err != nil {
		s.err = convertAnthropicError(err)
		return false
	}
	if !s.done {
		s.done = true
		s.event = &llm.StreamEvent{Type: llm.StreamEventTypeStop, Usage: &s.usage, Done: true}
		return true
	}
	return false
}

// translate maps one upstream event; it returns nil for events that carry
// nothing the caller needs.
func (s *anthropicStream) translate(event anthropic.MessageStreamEventUnion) *llm.StreamEvent {
	switch evt := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.usage.InputTokens = evt.Message.Usage.InputTokens

	case anthropic.ContentBlockStartEvent:
		if block, ok := evt.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			s.toolUse = &llm.ToolUseBlock{ID: block.ID, Name: block.Name}
			s.toolInput.Reset()
		}

	case anthropic.ContentBlockDeltaEvent:
		switch d := evt.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text != "" {
				return &llm.StreamEvent{
					Type:  llm.StreamEventTypeContentDelta,
					Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeText, Text: d.Text},
				}
			}
		case anthropic.InputJSONDelta:
			if s.toolUse != nil {
				s.toolInput.WriteString(d.PartialJSON)
			}
		}

	case anthropic.ContentBlockStopEvent:
		if s.toolUse == nil {
			return nil
		}
		toolUse := s.toolUse
		s.toolUse = nil
		toolUse.Input = make(map[string]interface{})
		if s.toolInput.Len() > 0 {
			if err := json.Unmarshal([]byte(s.toolInput.String()), &toolUse.Input); err != nil {
				s.err = llm.NewMalformedResponseError("tool call "+toolUse.Name+" has invalid input", err)
				return nil
			}
		}
		return &llm.StreamEvent{
			Type:  llm.StreamEventTypeContentBlock,
			Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeToolUse, ToolUse: toolUse},
		}

	case anthropic.MessageDeltaEvent:
		s.usage.OutputTokens = evt.Usage.OutputTokens

	case anthropic.MessageStopEvent:
		s.done = true
		return &llm.StreamEvent{Type: llm.StreamEventTypeStop, Usage: &s.usage, Done: true}
	}
	return nil
}

// Event returns the current event.
func (s *anthropicStream) Event() *llm.StreamEvent {
	return s.event
}

// Err returns any error that occurred during streaming.
func (s *anthropicStream) Err() error {
	return s.err
}

// Close closes the stream and releases resources.
func (s *anthropicStream) Close() error {
	s.done = true
	if s.stream != nil {
		return s.stream.Close()
	}
	return nil
}
