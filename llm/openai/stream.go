package openai

import (
	"errors"
	"io"
	"strings"

	"github.com/aschepis/backscratcher/chatgw/llm"
	openai "github.com/sashabaranov/go-openai"
)

// pendingToolCall accumulates the fragments of one streamed tool call.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// openaiStream implements the llm.Stream interface for OpenAI streaming responses.
// It reads one upstream chunk at a time, so text deltas reach the caller as
// soon as they arrive. Tool calls are emitted whole once the model finishes.
type openaiStream struct {
	stream  *openai.ChatCompletionStream
	pending []*llm.StreamEvent
	event   *llm.StreamEvent
	calls   map[int]*pendingToolCall
	order   []int
	usage   *llm.Usage
	err     error
	done    bool
}

func newOpenAIStream(stream *openai.ChatCompletionStream) *openaiStream {
	return &openaiStream{
		stream:  stream,
		pending: []*llm.StreamEvent{{Type: llm.StreamEventTypeStart}},
		calls:   make(map[int]*pendingToolCall),
	}
}

// Next advances to the next event in the stream.
func (s *openaiStream) Next() bool {
	for len(s.pending) == 0 {
		if s.done || s.err != nil {
			return false
		}
		s.pull()
	}
	s.event = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

// Event returns the current event.
func (s *openaiStream) Event() *llm.StreamEvent {
	return s.event
}

// Err returns any error that occurred during streaming.
func (s *openaiStream) Err() error {
	return s.err
}

// Close closes the stream and releases resources.
func (s *openaiStream) Close() error {
	s.done = true
	if s.stream != nil {
		return s.stream.Close()
	}
	return nil
}

// pull reads one chunk from upstream and queues the resulting events.
func (s *openaiStream) pull() {
	response, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		s.finish()
		return
	}
	if err != nil {
		s.err = convertOpenAIError(err)
		return
	}

	if response.Usage != nil && response.Usage.TotalTokens > 0 {
		s.usage = &llm.Usage{
			InputTokens:  int64(response.Usage.PromptTokens),
			OutputTokens: int64(response.Usage.CompletionTokens),
		}
	}
	if len(response.Choices) == 0 {
		return
	}

	choice := response.Choices[0]
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, &llm.StreamEvent{
			Type: llm.StreamEventTypeContentDelta,
			Delta: &llm.StreamDelta{
				Type: llm.StreamDeltaTypeText,
				Text: choice.Delta.Content,
			},
		})
	}

	for _, delta := range choice.Delta.ToolCalls {
		idx := 0
		if delta.Index != nil {
			idx = *delta.Index
		}
		call, ok := s.calls[idx]
		if !ok {
			call = &pendingToolCall{}
			s.calls[idx] = call
			s.order = append(s.order, idx)
		}
		if delta.ID != "" {
			call.id = delta.ID
		}
		if delta.Function.Name != "" {
			call.name = delta.Function.Name
		}
		call.args.WriteString(delta.Function.Arguments)
	}

	if choice.FinishReason != "" {
		s.finish()
	}
}

// finish flushes accumulated tool calls and queues the stop event.
func (s *openaiStream) finish() {
	if s.done {
		return
	}
	s.done = true

	for _, idx := range s.order {
		call := s.calls[idx]
		input, err := parseToolArguments(call.name, call.args.String())
		if err != nil {
			s.err = err
			return
		}
		s.pending = append(s.pending, &llm.StreamEvent{
			Type: llm.StreamEventTypeContentBlock,
			Delta: &llm.StreamDelta{
				Type: llm.StreamDeltaTypeToolUse,
				ToolUse: &llm.ToolUseBlock{
					ID:    call.id,
					Name:  call.name,
					Input: input,
				},
			},
		})
	}

	s.pending = append(s.pending, &llm.StreamEvent{
		Type:  llm.StreamEventTypeStop,
		Usage: s.usage,
		Done:  true,
	})
}
