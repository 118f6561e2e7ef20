package ollama

import (
	"context"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/ollama/ollama/api"
)

// ollamaStream implements the llm.Stream interface for Ollama streaming
// responses. The Ollama client delivers chunks through a callback, so a
// goroutine forwards them over an unbuffered channel and Next blocks on it.
type ollamaStream struct {
	events chan *llm.StreamEvent
	errc   chan error
	cancel context.CancelFunc
	event  *llm.StreamEvent
	err    error
	done   bool
}

func newOllamaStream(ctx context.Context, client *api.Client, req *api.ChatRequest, calls *toolCallDecoder) *ollamaStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &ollamaStream{
		events: make(chan *llm.StreamEvent),
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	go s.run(ctx, client, req, calls)
	return s
}

func (s *ollamaStream) run(ctx context.Context, client *api.Client, req *api.ChatRequest, calls *toolCallDecoder) {
	defer close(s.events)

	send := func(ev *llm.StreamEvent) error {
		select {
		case s.events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := send(&llm.StreamEvent{Type: llm.StreamEventTypeStart}); err != nil {
		s.errc <- err
		return
	}

	err := client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			if err := send(&llm.StreamEvent{
				Type:  llm.StreamEventTypeContentDelta,
				Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeText, Text: resp.Message.Content},
			}); err != nil {
				return err
			}
		}
		// Ollama sends each tool call whole in a single chunk.
		for _, toolCall := range resp.Message.ToolCalls {
			if err := send(&llm.StreamEvent{
				Type: llm.StreamEventTypeContentBlock,
				Delta: &llm.StreamDelta{
					Type:    llm.StreamDeltaTypeToolUse,
					ToolUse: calls.decode(toolCall),
				},
			}); err != nil {
				return err
			}
		}
		if resp.Done {
			return send(&llm.StreamEvent{
				Type: llm.StreamEventTypeStop,
				Usage: &llm.Usage{
					InputTokens:  int64(resp.PromptEvalCount),
					OutputTokens: int64(resp.EvalCount),
				},
				Done: true,
			})
		}
		return nil
	})
	if err != nil {
		s.errc <- convertOllamaError(err)
	}
}

// Next advances to the next event in the stream.
func (s *ollamaStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	ev, ok := <-s.events
	if !ok {
		select {
		case err := <-s.errc:
			s.err = err
		default:
		}
		s.done = true
		return false
	}
	s.event = ev
	if ev.Done {
		s.done = true
	}
	return true
}

// Event returns the current event.
func (s *ollamaStream) Event() *llm.StreamEvent {
	return s.event
}

// Err returns any error that occurred during streaming.
func (s *ollamaStream) Err() error {
	return s.err
}

// Close cancels the upstream request and releases resources.
func (s *ollamaStream) Close() error {
	s.done = true
	s.cancel()
	return nil
}
