// Package stream turns agent events into OpenAI style chat completion
// chunks sent as server-sent events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/chatgw/agent"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrStreamClosed is returned for events written after the stream ended.
var ErrStreamClosed = errors.New("stream already closed")

const doneFrame = "data: [DONE]\n\n"

// Chunk is one chat.completion.chunk frame.
type Chunk struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint"`
	Choices           []Choice `json:"choices"`
}

type Choice struct {
	Index        int             `json:"index"`
	Delta        Delta           `json:"delta"`
	Logprobs     json.RawMessage `json:"logprobs"`
	FinishReason *string         `json:"finish_reason"`
}

type Delta struct {
	Content string `json:"content"`
}

type errorFrame struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// SetHeaders prepares w for an event stream.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Translator writes agent events to w as SSE frames. It is used by a
// single request goroutine and is not safe for concurrent use.
type Translator struct {
	w       io.Writer
	flusher http.Flusher
	id      string
	model   string
	created int64
	closed  bool
	frames  int
	logger  zerolog.Logger
}

// NewTranslator creates a translator for one response. Frames are flushed
// as they are written when w is an http.Flusher.
func NewTranslator(w io.Writer, model string, logger zerolog.Logger) *Translator {
	t := &Translator{
		w:       w,
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
		logger:  logger.With().Str("component", "stream").Logger(),
	}
	if f, ok := w.(http.Flusher); ok {
		t.flusher = f
	}
	return t
}

// ID returns the chunk id shared by every frame of the response.
func (t *Translator) ID() string {
	return t.id
}

// Closed reports whether the terminal frame was written.
func (t *Translator) Closed() bool {
	return t.closed
}

// Emit writes the frame for event. It has the agent.EmitFunc signature.
func (t *Translator) Emit(event agent.Event) error {
	if t.closed {
		return ErrStreamClosed
	}
	switch event.Kind {
	case agent.EventToken:
		if event.Text == "" {
			return nil
		}
		return t.writeChunk(event.Text)
	case agent.EventToolStart:
		return t.writeChunk(fmt.Sprintf("Invoking: `%s`\n```\n%s\n```\n\n", event.Tool, event.Input))
	case agent.EventToolEnd:
		return nil
	case agent.EventDone:
		t.closed = true
		t.logger.Debug().Str("id", t.id).Int("frames", t.frames).Msg("Stream finished")
		return t.write([]byte(doneFrame))
	default:
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

// Fail ends the stream with an error frame followed by [DONE].
func (t *Translator) Fail(err error) error {
	if t.closed {
		return ErrStreamClosed
	}
	t.closed = true
	t.logger.Warn().Err(err).Str("id", t.id).Int("frames", t.frames).Msg("Stream failed")

	data, mErr := json.Marshal(errorFrame{Error: errorBody{Message: err.Error(), Type: errorType(err)}})
	if mErr != nil {
		return mErr
	}
	if wErr := t.write(frame(data)); wErr != nil {
		return wErr
	}
	return t.write([]byte(doneFrame))
}

func (t *Translator) writeChunk(content string) error {
	data, err := json.Marshal(Chunk{
		ID:                t.id,
		Object:            "chat.completion.chunk",
		Created:           t.created,
		Model:             t.model,
		SystemFingerprint: "",
		Choices: []Choice{{
			Index:    0,
			Delta:    Delta{Content: content},
			Logprobs: json.RawMessage("null"),
		}},
	})
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	t.frames++
	return t.write(frame(data))
}

func (t *Translator) write(p []byte) error {
	if _, err := t.w.Write(p); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return nil
}

func frame(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case agent.IsModelCallError(err):
		return "model_call_failed"
	default:
		return "internal_error"
	}
}
