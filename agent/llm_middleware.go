package agent

import (
	"context"
	"encoding/json"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/metrics"
	"github.com/rs/zerolog"
)

// ObservabilityMiddleware logs model calls and records token usage. It
// implements both llm.Middleware and llm.StreamMiddleware.
type ObservabilityMiddleware struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewObservabilityMiddleware creates middleware for a client bound to the
// credential slot at index slot.
func NewObservabilityMiddleware(logger zerolog.Logger, m *metrics.Metrics, slot int) *ObservabilityMiddleware {
	return &ObservabilityMiddleware{
		logger:  logger.With().Str("component", "llmMiddleware").Int("slot", slot).Logger(),
		metrics: m,
	}
}

// BeforeRequest implements llm.Middleware.BeforeRequest.
func (m *ObservabilityMiddleware) BeforeRequest(ctx context.Context, req *llm.Request) (*llm.Request, error) {
	m.logRequest(req, false)
	return req, nil
}

// AfterResponse implements llm.Middleware.AfterResponse.
func (m *ObservabilityMiddleware) AfterResponse(ctx context.Context, req *llm.Request, resp *llm.Response) (*llm.Response, error) {
	if resp != nil && resp.Usage != nil {
		m.metrics.Tokens(req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	return resp, nil
}

// OnError implements llm.Middleware.OnError.
func (m *ObservabilityMiddleware) OnError(ctx context.Context, req *llm.Request, err error) error {
	if err == nil {
		return nil
	}
	event := m.logger.Warn().Err(err).Str("model", req.Model)
	switch {
	case llm.IsRateLimitError(err):
		event = event.Str("error_type", string(llm.ErrorTypeRateLimit))
		if retryAfter := llm.ExtractRetryAfter(err); retryAfter != nil {
			event = event.Dur("retry_after", *retryAfter)
		}
	case llm.IsRequestTooLargeError(err):
		event = event.Str("error_type", string(llm.ErrorTypeRequestTooLarge)).
			Int("context_size", getContextSize(req.System, req.Messages))
	case llm.IsMalformedResponseError(err):
		event = event.Str("error_type", string(llm.ErrorTypeMalformed))
	}
	event.Bool("retryable", llm.IsRetryableError(err)).Msg("Model call returned error")
	return err
}

// BeforeStream implements llm.StreamMiddleware.BeforeStream.
func (m *ObservabilityMiddleware) BeforeStream(ctx context.Context, req *llm.Request) (*llm.Request, error) {
	m.logRequest(req, true)
	return req, nil
}

// OnStreamEvent implements llm.StreamMiddleware.OnStreamEvent.
func (m *ObservabilityMiddleware) OnStreamEvent(ctx context.Context, req *llm.Request, event *llm.StreamEvent) (*llm.StreamEvent, error) {
	if event != nil && event.Type == llm.StreamEventTypeStop && event.Usage != nil {
		m.metrics.Tokens(req.Model, event.Usage.InputTokens, event.Usage.OutputTokens)
	}
	return event, nil
}

// OnStreamError implements llm.StreamMiddleware.OnStreamError.
func (m *ObservabilityMiddleware) OnStreamError(ctx context.Context, req *llm.Request, err error) error {
	return m.OnError(ctx, req, err)
}

func (m *ObservabilityMiddleware) logRequest(req *llm.Request, stream bool) {
	m.logger.Debug().
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Int("tools", len(req.Tools)).
		Int("context_size", getContextSize(req.System, req.Messages)).
		Bool("stream", stream).
		Msg("Calling model")
}

// getContextSize calculates the total character count of the conversation context.
func getContextSize(systemPrompt string, messages []llm.Message) int {
	totalLength := len(systemPrompt)

	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case llm.ContentBlockTypeText:
				totalLength += len(block.Text)
			case llm.ContentBlockTypeToolUse:
				if block.ToolUse != nil {
					totalLength += len(block.ToolUse.Name)
					if block.ToolUse.Input != nil {
						if inputBytes, err := json.Marshal(block.ToolUse.Input); err == nil {
							totalLength += len(inputBytes)
						}
					}
				}
			case llm.ContentBlockTypeToolResult:
				if block.ToolResult != nil {
					totalLength += len(block.ToolResult.Content)
				}
			}
		}
	}

	return totalLength
}

var (
	_ llm.Middleware       = (*ObservabilityMiddleware)(nil)
	_ llm.StreamMiddleware = (*ObservabilityMiddleware)(nil)
)
