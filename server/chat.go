package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/chatgw/agent"
	"github.com/aschepis/backscratcher/chatgw/credentials"
	"github.com/aschepis/backscratcher/chatgw/history"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/ratelimit"
	"github.com/aschepis/backscratcher/chatgw/stream"
	"github.com/aschepis/backscratcher/chatgw/tools"
	"github.com/aschepis/backscratcher/chatgw/usage"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// maxRequestBody caps the size of a chat completion request body.
const maxRequestBody = 4 << 20

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	MaxTokens        int64         `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	MaxContextTokens int           `json:"max_context_tokens,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatResponse struct {
	ID         string       `json:"id"`
	Object     string       `json:"object"`
	Created    int64        `json:"created"`
	Model      string       `json:"model"`
	Choices    []chatChoice `json:"choices"`
	Usage      chatUsage    `json:"usage"`
	Output     string       `json:"output"`
	StopReason string       `json:"stop_reason"`
	Degraded   bool         `json:"degraded"`
}

// chatCall is a validated chat completion request.
type chatCall struct {
	model   string
	input   string
	system  string
	history []llm.Message
	stream  bool

	maxTokens        int64
	maxContextTokens int
	temperature      *float64
}

// parseChatRequest validates the body and splits the messages into input,
// system prompt and history.
func (s *Server) parseChatRequest(w http.ResponseWriter, r *http.Request) (*chatCall, error) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		return nil, badRequest("invalid request body: %v", err)
	}
	if len(req.Messages) == 0 {
		return nil, badRequest("messages must not be empty")
	}
	last := req.Messages[len(req.Messages)-1]
	if role, _ := llm.ParseRole(last.Role); role != llm.RoleUser {
		return nil, badRequest("last message must have role user, got %q", last.Role)
	}
	if strings.TrimSpace(last.Content) == "" {
		return nil, badRequest("last message must not be empty")
	}

	call := &chatCall{
		model:       lo.Ternary(req.Model != "", req.Model, s.cfg.DefaultModel),
		input:       last.Content,
		stream:      req.Stream,
		temperature: lo.Ternary(req.Temperature != nil, req.Temperature, s.cfg.Agent.Temperature),
	}
	call.maxTokens, call.maxContextTokens = s.cfg.Agent.Budget(call.model, req.MaxTokens, req.MaxContextTokens)

	var msgs []llm.Message
	for _, m := range req.Messages[:len(req.Messages)-1] {
		role, ok := llm.ParseRole(m.Role)
		if !ok {
			return nil, badRequest("unknown message role %q", m.Role)
		}
		if role == llm.RoleSystem {
			call.system = m.Content
			continue
		}
		msgs = append(msgs, llm.NewTextMessage(role, m.Content))
	}
	if limit := s.cfg.Agent.MaxHistoryMessages; limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	call.history = msgs

	if call.system == "" {
		call.system = agent.SystemPrompt(s.cfg.Agent.SystemPrompt, s.now())
	}
	return call, nil
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := s.now()
	done := s.metrics.RequestStarted()
	defer done()

	user := userID(r)
	event := usage.Event{RequestID: middleware.GetReqID(ctx), UserID: user, CreatedAt: start}
	logger := s.logger.With().Str("request_id", event.RequestID).Str("user", user).Logger()

	call, err := s.parseChatRequest(w, r)
	if err != nil {
		status := respondError(w, err)
		s.metrics.ChatRequest(false, status)
		return
	}
	event.Model, event.Stream = call.model, call.stream
	logger = logger.With().Str("model", call.model).Logger()

	finish := func(status int, err error) {
		event.Status = status
		event.Duration = s.now().Sub(start)
		if err != nil {
			event.Error = err.Error()
		}
		s.metrics.ChatRequest(call.stream, status)
		s.recordUsage(ctx, logger, event)
	}

	decision := s.limiter.Admit(user, start)
	if !decision.Allowed {
		s.metrics.Admission(string(decision.Kind))
		s.recordRejection(ctx, logger, user, decision.Kind, start)
		err := s.limiter.Err(decision)
		logger.Warn().Str("kind", string(decision.Kind)).Msg("Request rejected by rate limiter")
		s.metrics.ChatRequest(call.stream, respondError(w, err))
		return
	}
	s.metrics.Admission("allowed")

	slot, idx, err := s.pool.Next()
	if err != nil {
		finish(respondError(w, err), err)
		return
	}
	event.Slot = idx
	s.metrics.SlotSelected(idx)
	logger = logger.With().Int("slot", idx).Logger()
	if err := s.checkSlot(slot, idx); err != nil {
		logger.Warn().Err(err).Msg("Chat request refused before model call")
		finish(respondError(w, err), err)
		return
	}

	tokenizer, err := history.NewTokenizer(call.model)
	if err != nil {
		finish(respondError(w, err), err)
		return
	}
	turns := s.cfg.Agent.NumMemoryTurns
	if turns <= 0 {
		turns = -1
	}
	trimmer := history.Trimmer{Tokenizer: tokenizer, MaxTurns: turns}
	call.history = trimmer.Trim(call.history, call.maxContextTokens)
	runCtx := tools.WithBudget(ctx, tools.Budget{MaxTokens: call.maxContextTokens, Tokenizer: tokenizer})

	client, err := s.providers.NewClient(llm.ClientKey{
		Provider: s.cfg.Provider,
		Model:    call.model,
		APIKey:   slot.APIKey,
		BaseURL:  slot.BaseURL,
	})
	if err != nil {
		finish(respondError(w, err), err)
		return
	}
	client = llm.WrapWithMiddleware(client, agent.NewObservabilityMiddleware(logger, s.metrics, idx))

	loop := agent.NewLoop(agent.LoopConfig{
		Model:            call.model,
		SystemPrompt:     call.system,
		MaxIterations:    s.cfg.Agent.MaxIterations,
		MaxExecutionTime: s.cfg.Agent.ExecutionTimeout(),
		MaxTokens:        call.maxTokens,
		Temperature:      call.temperature,
		RetryDelay:       s.cfg.Agent.RetryDelay(),
	}, client, s.tools, logger).WithMetrics(s.metrics)

	logger.Info().
		Int("history", len(call.history)).
		Int64("max_tokens", call.maxTokens).
		Int("max_context_tokens", call.maxContextTokens).
		Bool("stream", call.stream).
		Msg("Chat request admitted")

	if call.stream {
		res, err := s.streamChat(runCtx, w, loop, call, logger)
		applyResult(&event, res)
		if err != nil {
			status, _ := classify(err)
			finish(status, err)
			return
		}
		finish(http.StatusOK, nil)
		return
	}

	res, err := loop.Run(runCtx, call.input, call.history)
	applyResult(&event, res)
	if err != nil {
		logger.Error().Err(err).Msg("Chat completion failed")
		finish(respondError(w, err), err)
		return
	}
	respondJSON(w, http.StatusOK, s.completion(call.model, res))
	finish(http.StatusOK, nil)
}

// streamChat runs the loop with SSE output. Once the headers are out the
// status is fixed, so failures end the stream with an error frame.
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, loop *agent.Loop, call *chatCall, logger zerolog.Logger) (*agent.Result, error) {
	stream.SetHeaders(w)
	w.WriteHeader(http.StatusOK)

	translator := stream.NewTranslator(w, call.model, logger)
	res, err := loop.RunStream(ctx, call.input, call.history, translator.Emit)
	if err != nil {
		logger.Error().Err(err).Msg("Streaming chat completion failed")
		if !translator.Closed() {
			if failErr := translator.Fail(err); failErr != nil {
				logger.Debug().Err(failErr).Msg("Failed to write error frame")
			}
		}
	}
	return res, err
}

func (s *Server) completion(model string, res *agent.Result) chatResponse {
	finishReason := "stop"
	if res.Degraded {
		finishReason = "length"
	}
	return chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: s.now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: string(llm.RoleAssistant), Content: res.Output},
			FinishReason: finishReason,
		}},
		Usage: chatUsage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
		Output:     res.Output,
		StopReason: string(res.StopReason),
		Degraded:   res.Degraded,
	}
}

func applyResult(event *usage.Event, res *agent.Result) {
	if res == nil {
		return
	}
	event.StopReason = string(res.StopReason)
	event.ModelCalls = res.ModelCalls
	event.ToolCalls = len(res.Steps)
	event.InputTokens = res.Usage.InputTokens
	event.OutputTokens = res.Usage.OutputTokens
}

// usageTimeout bounds ledger writes made after the client may have gone.
const usageTimeout = 5 * time.Second

func (s *Server) recordUsage(ctx context.Context, logger zerolog.Logger, event usage.Event) {
	if s.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageTimeout)
	defer cancel()
	if err := s.usage.Record(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("Failed to record usage")
	}
}

func (s *Server) recordRejection(ctx context.Context, logger zerolog.Logger, user string, kind ratelimit.RejectKind, at time.Time) {
	if s.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageTimeout)
	defer cancel()
	if err := s.usage.RecordRejection(ctx, user, string(kind), at); err != nil {
		logger.Warn().Err(err).Msg("Failed to record rejection")
	}
}

// checkSlot refuses a slot whose key is missing. Ollama runs without keys.
func (s *Server) checkSlot(slot credentials.Slot, idx int) error {
	if slot.APIKey == "" && s.cfg.Provider != llm.ProviderOllama {
		return fmt.Errorf("slot %d: %w", idx, credentials.ErrMissingAPIKey)
	}
	return nil
}
