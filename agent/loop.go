package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/metrics"
	"github.com/aschepis/backscratcher/chatgw/tools"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxIterations bounds the number of tool steps per request.
	DefaultMaxIterations = 3
	// DefaultMaxExecutionTime bounds the wall clock time of one request.
	DefaultMaxExecutionTime = 120 * time.Second

	observationPreviewLen = 500
)

// LoopConfig configures an agent loop.
type LoopConfig struct {
	Model            string
	SystemPrompt     string
	MaxIterations    int
	MaxExecutionTime time.Duration
	MaxTokens        int64
	Temperature      *float64
	// RetryDelay is the wait before the single retry of a failed model call.
	RetryDelay time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Step records one tool invocation and what came back.
type Step struct {
	ToolID      string
	Tool        string
	Input       map[string]interface{}
	Observation string
	Err         error
}

// Result is the outcome of a run.
type Result struct {
	Output string
	// History is the input history followed by the input and Output.
	History    []llm.Message
	Steps      []Step
	StopReason StopReason
	// Degraded is set when a guard stopped the run before a final answer.
	Degraded   bool
	ModelCalls int
	Usage      llm.Usage
	// Err is ErrIterationLimit or ErrExecutionTimeout for degraded runs.
	Err error
}

// Loop runs the bounded think/act/observe cycle for one request at a time.
// A Loop holds no per-run state and may be shared between goroutines.
type Loop struct {
	cfg      LoopConfig
	client   llm.Client
	registry *tools.Registry
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

// NewLoop creates a loop calling client with the tools in registry. A nil
// registry runs the model without tools.
func NewLoop(cfg LoopConfig, client llm.Client, registry *tools.Registry, logger zerolog.Logger) *Loop {
	return &Loop{
		cfg:      cfg.withDefaults(),
		client:   client,
		registry: registry,
		now:      time.Now,
		logger:   logger.With().Str("component", "agent_loop").Logger(),
	}
}

// WithMetrics makes the loop record model, tool and run metrics.
func (l *Loop) WithMetrics(m *metrics.Metrics) *Loop {
	l.metrics = m
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() LoopConfig {
	return l.cfg
}

// Run answers input given history, without streaming.
func (l *Loop) Run(ctx context.Context, input string, history []llm.Message) (*Result, error) {
	return l.run(ctx, input, history, nil)
}

// RunStream answers input given history and reports progress through emit.
// The last event of a successful run is always EventDone.
func (l *Loop) RunStream(ctx context.Context, input string, history []llm.Message, emit EmitFunc) (*Result, error) {
	if emit == nil {
		return nil, errors.New("emit function is required")
	}
	return l.run(ctx, input, history, emit)
}

// run holds the state of a single request.
type run struct {
	loop   *Loop
	parent context.Context
	ctx    context.Context
	start  time.Time
	state  State
	emit   EmitFunc
	specs  []llm.ToolSpec

	history    []llm.Message
	input      string
	messages   []llm.Message
	steps      []Step
	partial    string
	iterations int
	modelCalls int
	usage      llm.Usage
	logger     zerolog.Logger
}

func (l *Loop) run(ctx context.Context, input string, history []llm.Message, emit EmitFunc) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, l.cfg.MaxExecutionTime)
	defer cancel()

	r := &run{
		loop:    l,
		parent:  ctx,
		ctx:     runCtx,
		start:   l.now(),
		state:   StateStart,
		emit:    emit,
		history: history,
		input:   input,
		logger:  l.logger.With().Str("model", l.cfg.Model).Logger(),
	}
	if l.registry != nil {
		r.specs = l.registry.Specs()
	}
	r.messages = make([]llm.Message, 0, len(history)+1+2*l.cfg.MaxIterations)
	r.messages = append(r.messages, history...)
	r.messages = append(r.messages, llm.NewTextMessage(llm.RoleUser, input))

	r.logger.Info().
		Int("history", len(history)).
		Int("tools", len(r.specs)).
		Bool("stream", emit != nil).
		Msg("Agent run started")

	for {
		if err := ctx.Err(); err != nil {
			return nil, r.cancelled(err)
		}
		if reason := r.guard(); reason != "" {
			return r.degrade(reason)
		}

		r.transition(StateThinking)
		resp, err := r.think()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, r.cancelled(ctxErr)
			}
			var emitErr *emitError
			if errors.As(err, &emitErr) {
				return nil, err
			}
			if runCtx.Err() != nil {
				return r.degrade(StopTimeout)
			}
			r.logger.Error().Err(err).Msg("Model call failed")
			return nil, err
		}

		uses := resp.ToolUses()
		text := strings.TrimSpace(resp.Text())
		if len(uses) == 0 {
			return r.finish(text)
		}
		r.partial = text
		r.messages = append(r.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		if reason := r.guard(); reason != "" {
			return r.degrade(reason)
		}
		r.transition(StateToolCall)
		results, err := r.callTools(uses)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, r.cancelled(ctxErr)
			}
			return nil, err
		}

		r.transition(StateObserving)
		r.messages = append(r.messages, llm.NewToolResultMessage(results))
		r.iterations++
	}
}

func (r *run) transition(next State) {
	r.logger.Debug().
		Str("from", string(r.state)).
		Str("to", string(next)).
		Int("iteration", r.iterations).
		Msg("Agent state transition")
	r.state = next
}

// guard returns the stop reason when the run may not take another step.
func (r *run) guard() StopReason {
	if r.iterations >= r.loop.cfg.MaxIterations {
		return StopMaxIterations
	}
	if r.ctx.Err() != nil || r.loop.now().Sub(r.start) >= r.loop.cfg.MaxExecutionTime {
		return StopTimeout
	}
	return ""
}

func (r *run) request() *llm.Request {
	return &llm.Request{
		Model:       r.loop.cfg.Model,
		Messages:    r.messages,
		System:      r.loop.cfg.SystemPrompt,
		Tools:       r.specs,
		MaxTokens:   r.loop.cfg.MaxTokens,
		Temperature: r.loop.cfg.Temperature,
	}
}

// think makes one model call, retried once on failure.
func (r *run) think() (*llm.Response, error) {
	req := r.request()
	start := time.Now()
	resp, attempts, err := retryModelCall(r.ctx, r.loop.cfg.RetryDelay, r.logger, func() (*llm.Response, error) {
		if r.emit == nil {
			return r.loop.client.Synchronous(r.ctx, req)
		}
		return r.streamTurn(req)
	})
	r.modelCalls += attempts
	r.loop.metrics.ModelCall(r.loop.cfg.Model, time.Since(start), err)
	if err != nil {
		var emitErr *emitError
		if errors.As(err, &emitErr) || r.ctx.Err() != nil {
			return nil, err
		}
		return nil, &ModelCallError{Model: r.loop.cfg.Model, Attempts: attempts, Err: err}
	}

	if resp.Usage != nil {
		r.usage.InputTokens += resp.Usage.InputTokens
		r.usage.OutputTokens += resp.Usage.OutputTokens
	}
	r.logger.Debug().
		Int("content_blocks", len(resp.Content)).
		Int("tool_uses", len(resp.ToolUses())).
		Dur("elapsed", time.Since(start)).
		Msg("Model responded")
	return resp, nil
}

// streamTurn reads one streamed model turn, forwarding text as token
// events. A stream that fails after text went out is not retried.
func (r *run) streamTurn(req *llm.Request) (*llm.Response, error) {
	stream, err := r.loop.client.Stream(r.ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	resp := &llm.Response{}
	var text strings.Builder
	var uses []llm.ContentBlock
	seen := make(map[string]bool)

	for stream.Next() {
		event := stream.Event()
		if event == nil {
			continue
		}
		if event.Usage != nil {
			resp.Usage = event.Usage
		}
		if event.Type == llm.StreamEventTypeStop {
			break
		}
		if event.Delta == nil {
			continue
		}
		switch event.Delta.Type {
		case llm.StreamDeltaTypeText:
			if event.Delta.Text == "" {
				continue
			}
			text.WriteString(event.Delta.Text)
			if err := r.send(TokenEvent(event.Delta.Text)); err != nil {
				return nil, err
			}
		case llm.StreamDeltaTypeToolUse:
			tu := event.Delta.ToolUse
			if tu == nil || seen[tu.ID] {
				continue
			}
			seen[tu.ID] = true
			uses = append(uses, llm.ContentBlock{Type: llm.ContentBlockTypeToolUse, ToolUse: tu})
		}
	}

	if err := stream.Err(); err != nil {
		if text.Len() > 0 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	if text.Len() > 0 {
		resp.Content = append(resp.Content, llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: text.String()})
	}
	resp.Content = append(resp.Content, uses...)
	return resp, nil
}

// callTools invokes each requested tool in order. Tool failures become
// observations; only cancellation or a failed emit stops the step.
func (r *run) callTools(uses []*llm.ToolUseBlock) ([]llm.ToolResultBlock, error) {
	results := make([]llm.ToolResultBlock, 0, len(uses))
	for _, use := range uses {
		if err := r.parent.Err(); err != nil {
			return nil, err
		}
		if err := r.send(ToolStartEvent(use.Name, formatToolInput(use.Input))); err != nil {
			return nil, err
		}

		start := time.Now()
		out, err := r.invoke(use)
		r.loop.metrics.ToolCall(use.Name, time.Since(start), err)

		observation := out
		if err != nil {
			observation = errorObservation(err)
		}
		r.steps = append(r.steps, Step{
			ToolID:      use.ID,
			Tool:        use.Name,
			Input:       use.Input,
			Observation: observation,
			Err:         err,
		})

		if err := r.send(ToolEndEvent(use.Name, observation)); err != nil {
			return nil, err
		}
		results = append(results, llm.ToolResultBlock{
			ID:      use.ID,
			Content: observation,
			IsError: err != nil,
		})
	}
	return results, nil
}

func (r *run) invoke(use *llm.ToolUseBlock) (string, error) {
	if r.loop.registry == nil {
		return "", &tools.InvocationError{Tool: use.Name, Err: tools.ErrUnknownTool}
	}
	return r.loop.registry.Invoke(r.ctx, use.Name, use.Input)
}

func (r *run) send(event Event) error {
	if r.emit == nil {
		return nil
	}
	if err := r.emit(event); err != nil {
		return &emitError{err: err}
	}
	return nil
}

func (r *run) finish(output string) (*Result, error) {
	r.transition(StateFinal)
	if err := r.send(DoneEvent()); err != nil {
		return nil, err
	}
	return r.result(output, StopFinal), nil
}

// degrade ends a run stopped by a guard with a non-empty answer built from
// the partial text and the observations gathered so far.
func (r *run) degrade(reason StopReason) (*Result, error) {
	r.transition(reason.state())
	output := degradedOutput(r.partial, reason, r.steps)

	// The partial text was already streamed as tokens.
	if tail := strings.TrimPrefix(output, r.partial); tail != "" {
		if err := r.send(TokenEvent(tail)); err != nil {
			return nil, err
		}
	}
	if err := r.send(DoneEvent()); err != nil {
		return nil, err
	}

	r.logger.Warn().
		Str("stop_reason", string(reason)).
		Int("iterations", r.iterations).
		Dur("elapsed", r.loop.now().Sub(r.start)).
		Msg("Agent run stopped by guard")
	return r.result(output, reason), nil
}

func (r *run) result(output string, reason StopReason) *Result {
	r.transition(StateDone)

	history := make([]llm.Message, 0, len(r.history)+2)
	history = append(history, r.history...)
	history = append(history,
		llm.NewTextMessage(llm.RoleUser, r.input),
		llm.NewTextMessage(llm.RoleAssistant, output),
	)

	r.loop.metrics.AgentRun(string(reason), r.modelCalls)
	r.logger.Info().
		Str("stop_reason", string(reason)).
		Int("steps", len(r.steps)).
		Int("model_calls", r.modelCalls).
		Int64("input_tokens", r.usage.InputTokens).
		Int64("output_tokens", r.usage.OutputTokens).
		Msg("Agent run finished")

	return &Result{
		Output:     output,
		History:    history,
		Steps:      r.steps,
		StopReason: reason,
		Degraded:   reason != StopFinal,
		ModelCalls: r.modelCalls,
		Usage:      r.usage,
		Err:        reason.Err(),
	}
}

func (r *run) cancelled(err error) error {
	r.logger.Info().Err(err).Str("state", string(r.state)).Msg("Agent run cancelled")
	return fmt.Errorf("agent run cancelled: %w", err)
}

// formatToolInput renders tool arguments for display. A single string
// argument is shown bare.
func formatToolInput(input map[string]interface{}) string {
	if len(input) == 1 {
		for _, v := range input {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}

func errorObservation(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func degradedOutput(partial string, reason StopReason, steps []Step) string {
	var b strings.Builder
	if partial != "" {
		b.WriteString(partial)
		b.WriteString("\n\n")
	}
	switch reason {
	case StopTimeout:
		b.WriteString("Agent stopped due to time limit.")
	default:
		b.WriteString("Agent stopped due to iteration limit.")
	}
	if len(steps) > 0 {
		b.WriteString(" Partial results:\n")
		for _, step := range steps {
			obs := tools.Clip(step.Observation, observationPreviewLen, "...")
			fmt.Fprintf(&b, "\n- %s: %s", step.Tool, obs)
		}
	}
	return b.String()
}
