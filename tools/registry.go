package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/aschepis/backscratcher/chatgw/history"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/tools/schemas"
	"github.com/rs/zerolog"
)

// ErrUnknownTool is wrapped by InvocationError when the model asks for a
// tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// InvocationError reports a failed tool call. It is fed back to the model
// as an observation rather than failing the request.
type InvocationError struct {
	Tool string
	Err  error
}

func (e *InvocationError) Error() string {
	if errors.Is(e.Err, ErrUnknownTool) {
		return fmt.Sprintf("unknown tool: %s", e.Tool)
	}
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsInvocationError reports whether err is an InvocationError.
func IsInvocationError(err error) bool {
	var invErr *InvocationError
	return errors.As(err, &invErr)
}

// Tool is a capability the model can call: structured input in, text out.
type Tool interface {
	Name() string
	Description() string
	Schema() llm.ToolSchema
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry maps tool names to tools. It is built once and only read
// afterwards, so it is safe for concurrent use.
type Registry struct {
	tools  map[string]Tool
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With().Str("component", "tool_registry").Logger(),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.logger.Debug().Str("name", tool.Name()).Msg("Registering tool")
	r.tools[tool.Name()] = tool
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Specs returns the tool specs to bind to a model request, sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, name := range r.Names() {
		tool := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}

// Invoke dispatches a tool call. Every failure, including an unknown tool
// name, is returned as an *InvocationError.
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]interface{}) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		r.logger.Warn().Str("tool", name).Msg("Unknown tool requested")
		return "", &InvocationError{Tool: name, Err: ErrUnknownTool}
	}

	args, err := json.Marshal(input)
	if err != nil {
		return "", &InvocationError{Tool: name, Err: fmt.Errorf("encode arguments: %w", err)}
	}
	r.logger.Info().Str("tool", name).RawJSON("args", args).Msg("Executing tool")

	start := time.Now()
	out, err := tool.Invoke(ctx, args)
	if err != nil {
		r.logger.Warn().Str("tool", name).Err(err).Dur("elapsed", time.Since(start)).Msg("Tool returned error")
		return "", &InvocationError{Tool: name, Err: err}
	}

	preview := Clip(out, 500, "... (truncated)")
	r.logger.Debug().Str("tool", name).Str("result", preview).Dur("elapsed", time.Since(start)).Msg("Tool returned result")
	return out, nil
}

// Options selects and configures the tools built by Build.
type Options struct {
	EnableSearch  bool
	EnableCrawler bool
	EnableCode    bool

	// SerperAPIKey switches search from DuckDuckGo to Serper.
	SerperAPIKey string
	SerperGL     string
	SerperHL     string

	// SandboxURL runs code remotely instead of with a local interpreter.
	SandboxURL   string
	SandboxToken string
	PythonPath   string
	CodeTimeout  time.Duration

	// MaxContextTokens bounds crawler output, counted with Tokenizer.
	MaxContextTokens int
	Tokenizer        history.Tokenizer

	HTTPClient *http.Client
}

// Build creates a registry holding the tools enabled in opts.
func Build(opts Options, logger zerolog.Logger) *Registry {
	registry := NewRegistry(logger)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	if opts.EnableSearch {
		registry.Register(NewSearchTool(SearchConfig{
			SerperAPIKey: opts.SerperAPIKey,
			GL:           opts.SerperGL,
			HL:           opts.SerperHL,
		}, httpClient, logger))
	}
	if opts.EnableCrawler {
		registry.Register(NewCrawlerTool(opts.Tokenizer, opts.MaxContextTokens, logger))
	}
	if opts.EnableCode {
		var caller RemoteCaller
		if opts.SandboxURL != "" {
			caller = NewSandboxClient(opts.SandboxURL, opts.SandboxToken, httpClient)
		}
		registry.Register(NewCodeTool(CodeConfig{
			PythonPath: opts.PythonPath,
			Timeout:    opts.CodeTimeout,
			Remote:     caller,
		}, logger))
	}

	registry.logger.Info().Strs("tools", registry.Names()).Msg("Tool registry built")
	return registry
}

// schemaFor converts a registered schema into the provider-neutral form.
func schemaFor(name string) (string, llm.ToolSchema) {
	def, ok := schemas.Get(name)
	if !ok {
		return "", llm.ToolSchema{Type: "object"}
	}
	schema := llm.ToolSchema{Type: "object"}
	if t, ok := def.Schema["type"].(string); ok {
		schema.Type = t
	}
	if props, ok := def.Schema["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	if required, ok := def.Schema["required"].([]string); ok {
		schema.Required = required
	}
	return def.Description, schema
}

// decodeArgs unmarshals tool arguments into v.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return nil
}
