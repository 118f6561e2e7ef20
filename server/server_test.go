package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/chatgw/agent"
	"github.com/aschepis/backscratcher/chatgw/config"
	"github.com/aschepis/backscratcher/chatgw/credentials"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/metrics"
	"github.com/aschepis/backscratcher/chatgw/migrations"
	"github.com/aschepis/backscratcher/chatgw/ratelimit"
	"github.com/aschepis/backscratcher/chatgw/tools"
	"github.com/aschepis/backscratcher/chatgw/usage"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const fakeProvider = "fake"

// fakeUpstream records every request made through its clients.
type fakeUpstream struct {
	mu       sync.Mutex
	requests []*llm.Request
	keys     []llm.ClientKey
	reply    string
	err      error
	// toolFirst, when set, makes the first call ask for that tool.
	toolFirst string
	// badURLs fail ListModels.
	badURLs map[string]bool
}

func (u *fakeUpstream) record(key llm.ClientKey, req *llm.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	snapshot := *req
	snapshot.Messages = append([]llm.Message(nil), req.Messages...)
	u.requests = append(u.requests, &snapshot)
	u.keys = append(u.keys, key)
}

func (u *fakeUpstream) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

func (u *fakeUpstream) lastRequest(t *testing.T) *llm.Request {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		t.Fatalf("no upstream requests recorded")
	}
	return u.requests[len(u.requests)-1]
}

type fakeClient struct {
	up  *fakeUpstream
	key llm.ClientKey
}

func (c *fakeClient) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.up.record(c.key, req)
	if c.up.err != nil {
		return nil, c.up.err
	}
	if c.up.toolFirst != "" && c.up.calls() == 1 {
		return &llm.Response{Content: []llm.ContentBlock{{
			Type:    llm.ContentBlockTypeToolUse,
			ToolUse: &llm.ToolUseBlock{ID: "call_1", Name: c.up.toolFirst, Input: map[string]any{}},
		}}}, nil
	}
	return &llm.Response{
		Content: []llm.ContentBlock{{Type: llm.ContentBlockTypeText, Text: c.up.reply}},
		Usage:   &llm.Usage{InputTokens: 12, OutputTokens: 4},
	}, nil
}

func (c *fakeClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	c.up.record(c.key, req)
	if c.up.err != nil {
		return nil, c.up.err
	}
	events := []*llm.StreamEvent{{Type: llm.StreamEventTypeStart}}
	for _, word := range strings.SplitAfter(c.up.reply, " ") {
		events = append(events, &llm.StreamEvent{
			Type:  llm.StreamEventTypeContentDelta,
			Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeText, Text: word},
		})
	}
	events = append(events, &llm.StreamEvent{Type: llm.StreamEventTypeStop, Done: true})
	return &sliceStream{events: events, pos: -1}, nil
}

func (c *fakeClient) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if c.up.badURLs[c.key.BaseURL] {
		return nil, llm.NewProviderError("upstream down", nil)
	}
	return []llm.ModelInfo{{ID: "gpt-3.5-turbo", OwnedBy: "openai"}, {ID: ""}}, nil
}

type sliceStream struct {
	events []*llm.StreamEvent
	pos    int
}

func (s *sliceStream) Next() bool {
	s.pos++
	return s.pos < len(s.events)
}

func (s *sliceStream) Event() *llm.StreamEvent { return s.events[s.pos] }
func (s *sliceStream) Err() error              { return nil }
func (s *sliceStream) Close() error            { return nil }

type testEnv struct {
	server  *Server
	up      *fakeUpstream
	pool    *credentials.Pool
	store   *usage.Store
	metrics *metrics.Metrics
}

type envOption func(*Config, *Deps)

func withRateLimit(cfg ratelimit.Config) envOption {
	return func(_ *Config, d *Deps) { d.Limiter = ratelimit.New(cfg, zerolog.Nop()) }
}

func withProvider(name string) envOption {
	return func(c *Config, _ *Deps) { c.Provider = name }
}

func withTools(ts ...tools.Tool) envOption {
	return func(_ *Config, d *Deps) {
		for _, tool := range ts {
			d.Tools.Register(tool)
		}
	}
}

func withAdminToken(token string) envOption {
	return func(c *Config, _ *Deps) { c.AdminToken = token }
}

func newTestEnv(t *testing.T, slots []credentials.Slot, opts ...envOption) *testEnv {
	t.Helper()
	up := &fakeUpstream{reply: "Arr, hello there", badURLs: map[string]bool{}}
	providers := llm.NewProviderRegistry()
	factory := func(key llm.ClientKey) (llm.Client, error) {
		return &fakeClient{up: up, key: key}, nil
	}
	providers.Register(fakeProvider, factory)
	providers.Register(llm.ProviderOllama, factory)

	if slots == nil {
		slots = []credentials.Slot{{APIKey: "k0", BaseURL: "https://a.example/v1"}}
	}
	pool, err := credentials.NewPool(slots)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := migrations.RunMigrations(db, zerolog.Nop()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	store := usage.NewStore(db, zerolog.Nop())
	m := metrics.New(prometheus.NewRegistry())

	agentCfg := config.Defaults().Agent
	agentCfg.RetryDelayMs = 1
	cfg := Config{
		Provider:     fakeProvider,
		DefaultModel: "gpt-3.5-turbo",
		Agent:        agentCfg,
		Logger:       zerolog.Nop(),
	}
	deps := Deps{
		Pool:      pool,
		Limiter:   ratelimit.New(ratelimit.Config{MaxDaily: -1, MaxPerMinute: -1}, zerolog.Nop()),
		Tools:     tools.NewRegistry(zerolog.Nop()),
		Providers: providers,
		Usage:     store,
		Metrics:   m,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	s := New(cfg, deps)
	s.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }
	return &testEnv{server: s, up: up, pool: pool, store: store, metrics: m}
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestChatCompletionSystemPromptWithoutTools(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"model":"gpt-3.5-turbo","messages":[
		{"role":"system","content":"You are a pirate."},
		{"role":"user","content":"earlier question"},
		{"role":"assistant","content":"earlier answer"},
		{"role":"user","content":"hello"}]}`
	rec := env.do(http.MethodPost, "/v1/chat/completions", body, map[string]string{UserHeader: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Object != "chat.completion" || !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("unexpected envelope: %+v", resp)
	}
	if resp.Output != "Arr, hello there" || resp.Choices[0].Message.Content != resp.Output {
		t.Errorf("output = %q, choice = %+v", resp.Output, resp.Choices)
	}
	if resp.StopReason != string(agent.StopFinal) || resp.Degraded {
		t.Errorf("stop_reason = %q degraded = %v", resp.StopReason, resp.Degraded)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if env.up.calls() != 1 {
		t.Fatalf("upstream calls = %d, want 1", env.up.calls())
	}
	req := env.up.lastRequest(t)
	if req.System != "You are a pirate." {
		t.Errorf("System = %q, want the request's system message", req.System)
	}
	if len(req.Tools) != 0 {
		t.Errorf("expected no tools, got %d", len(req.Tools))
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want history of 2 plus input", len(req.Messages))
	}
	if req.Messages[0].Text() != "earlier question" || req.Messages[2].Text() != "hello" {
		t.Errorf("unexpected messages: %+v", req.Messages)
	}
	if req.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", req.MaxTokens)
	}
}

func TestChatCompletionDefaultSystemPrompt(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	req := env.up.lastRequest(t)
	if !strings.HasPrefix(req.System, agent.DefaultSystemPrompt) {
		t.Errorf("System should start with the default prompt: %q", req.System)
	}
	if !strings.HasSuffix(req.System, "Today's date: 2024-03-09") {
		t.Errorf("System should end with the date: %q", req.System)
	}
	if req.Model != "gpt-3.5-turbo" {
		t.Errorf("Model = %q, want default", req.Model)
	}
}

func TestChatCompletionHistoryLimit(t *testing.T) {
	env := newTestEnv(t, nil)

	var msgs []string
	for i := 0; i < 14; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, fmt.Sprintf(`{"role":%q,"content":"m%d"}`, role, i))
	}
	msgs = append(msgs, `{"role":"user","content":"last"}`)
	body := `{"messages":[` + strings.Join(msgs, ",") + `]}`

	rec := env.do(http.MethodPost, "/v1/chat/completions", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	req := env.up.lastRequest(t)
	if len(req.Messages) != 11 {
		t.Fatalf("messages = %d, want 10 history plus input", len(req.Messages))
	}
	if req.Messages[0].Text() != "m4" {
		t.Errorf("oldest kept message = %q, want m4", req.Messages[0].Text())
	}
}

func TestChatCompletionStream(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	out := rec.Body.String()
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream should end with [DONE]: %q", out)
	}
	var content strings.Builder
	for _, frame := range strings.Split(strings.TrimSpace(out), "\n\n") {
		data := strings.TrimPrefix(frame, "data: ")
		if data == "[DONE]" {
			continue
		}
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("object = %q", chunk.Object)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	if content.String() != "Arr, hello there" {
		t.Errorf("streamed content = %q", content.String())
	}
}

func TestChatCompletionStreamFailureEndsWithDone(t *testing.T) {
	env := newTestEnv(t, nil)
	env.up.err = llm.NewProviderError("boom", nil)

	rec := env.do(http.MethodPost, "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	out := rec.Body.String()
	if !strings.Contains(out, `"error"`) || !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("expected error frame then [DONE]: %q", out)
	}
}

func TestChatCompletionValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad json", body: `{"messages":`},
		{name: "no messages", body: `{"messages":[]}`},
		{name: "last not user", body: `{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]}`},
		{name: "empty input", body: `{"messages":[{"role":"user","content":"  "}]}`},
		{name: "unknown role", body: `{"messages":[{"role":"tool","content":"x"},{"role":"user","content":"a"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(http.MethodPost, "/v1/chat/completions", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body := decodeError(t, rec); body.Type != KindInvalidRequest || body.Detail == "" {
				t.Errorf("error body = %+v", body)
			}
			if env.up.calls() != 0 {
				t.Errorf("upstream should not be called")
			}
		})
	}
}

func TestChatCompletionRateLimited(t *testing.T) {
	env := newTestEnv(t, nil, withRateLimit(ratelimit.Config{MaxDaily: -1, MaxPerMinute: 1}))
	body := `{"messages":[{"role":"user","content":"hi"}]}`
	headers := map[string]string{UserHeader: "bob"}

	if rec := env.do(http.MethodPost, "/v1/chat/completions", body, headers); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/v1/chat/completions", body, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if got := decodeError(t, rec); got.Type != string(ratelimit.RejectRPM) {
		t.Errorf("type = %q, want RPM_LIMIT", got.Type)
	}
	if env.up.calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", env.up.calls())
	}

	// Another user is tracked separately.
	if rec := env.do(http.MethodPost, "/v1/chat/completions", body, map[string]string{UserHeader: "carol"}); rec.Code != http.StatusOK {
		t.Errorf("other user status = %d", rec.Code)
	}

	summary, err := env.store.Summarize(context.Background(), "bob", time.Time{})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary.Requests != 1 || summary.Rejections != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestChatCompletionModelFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.up.err = llm.NewProviderError("upstream exploded", nil)

	rec := env.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeError(t, rec); got.Type != KindModelCallFailed {
		t.Errorf("type = %q", got.Type)
	}
	if env.up.calls() != 2 {
		t.Errorf("upstream calls = %d, want one retry", env.up.calls())
	}
}

func TestChatCompletionMissingAPIKey(t *testing.T) {
	env := newTestEnv(t, []credentials.Slot{{APIKey: "", BaseURL: "https://a.example/v1"}})

	rec := env.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeError(t, rec); got.Type != KindInvalidCredentials {
		t.Errorf("type = %q", got.Type)
	}
	if env.up.calls() != 0 {
		t.Errorf("upstream calls = %d, want none", env.up.calls())
	}
}

func TestChatCompletionOllamaNeedsNoKey(t *testing.T) {
	env := newTestEnv(t, []credentials.Slot{{BaseURL: "http://localhost:11434"}}, withProvider(llm.ProviderOllama))

	rec := env.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.up.calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", env.up.calls())
	}
}

// budgetTool records the budget it was invoked under.
type budgetTool struct {
	mu     sync.Mutex
	budget tools.Budget
	found  bool
}

func (b *budgetTool) Name() string           { return "budget_check" }
func (b *budgetTool) Description() string    { return "records the request budget" }
func (b *budgetTool) Schema() llm.ToolSchema { return llm.ToolSchema{Type: "object"} }

func (b *budgetTool) Invoke(ctx context.Context, _ json.RawMessage) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.budget, b.found = tools.BudgetFrom(ctx)
	return "ok", nil
}

func TestChatCompletionPassesBudgetToTools(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "default", body: `{"messages":[{"role":"user","content":"read it"}]}`, want: 2048},
		{name: "override", body: `{"max_context_tokens":300,"messages":[{"role":"user","content":"read it"}]}`, want: 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &budgetTool{}
			env := newTestEnv(t, nil, withTools(tool))
			env.up.toolFirst = tool.Name()

			rec := env.do(http.MethodPost, "/v1/chat/completions", tt.body, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			tool.mu.Lock()
			defer tool.mu.Unlock()
			if !tool.found {
				t.Fatal("tool saw no budget")
			}
			if tool.budget.MaxTokens != tt.want || tool.budget.Tokenizer == nil {
				t.Errorf("budget = %d tokens, tokenizer %v; want %d", tool.budget.MaxTokens, tool.budget.Tokenizer, tt.want)
			}
		})
	}
}

func TestChatCompletionUpstreamRejectsKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.up.err = llm.FromStatus("OpenAI", http.StatusUnauthorized, "incorrect api key", nil)

	rec := env.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeError(t, rec); got.Type != KindInvalidCredentials {
		t.Errorf("type = %q", got.Type)
	}
	if env.up.calls() != 1 {
		t.Errorf("upstream calls = %d, want no retry", env.up.calls())
	}
}

func TestChatCompletionRotatesSlots(t *testing.T) {
	env := newTestEnv(t, []credentials.Slot{
		{APIKey: "k0", BaseURL: "https://a.example/v1"},
		{APIKey: "k1", BaseURL: "https://b.example/v1"},
	})
	body := `{"messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 3; i++ {
		if rec := env.do(http.MethodPost, "/v1/chat/completions", body, nil); rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	want := []string{"k0", "k1", "k0"}
	for i, key := range env.up.keys {
		if key.APIKey != want[i] {
			t.Errorf("call %d used key %q, want %q", i, key.APIKey, want[i])
		}
	}
}

func TestUsageRecorded(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, map[string]string{UserHeader: "dave"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/v1/usage?user=dave", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage status = %d", rec.Code)
	}
	var body struct {
		Events []usage.Event `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if len(body.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(body.Events))
	}
	e := body.Events[0]
	if e.Status != http.StatusOK || e.ModelCalls != 1 || e.InputTokens != 12 || e.StopReason != "final" || e.RequestID == "" {
		t.Errorf("unexpected event: %+v", e)
	}

	rec = env.do(http.MethodGet, "/v1/usage/summary?user=dave", "", nil)
	var summary usage.Summary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Requests != 1 || summary.OutputTokens != 4 {
		t.Errorf("summary = %+v", summary)
	}

	if rec := env.do(http.MethodGet, "/v1/usage/summary", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("summary without user status = %d", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil, withAdminToken("s3cret"))

	if rec := env.do(http.MethodGet, "/v1/keys", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/v1/keys", "", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", rec.Code)
	}
	rec := env.do(http.MethodGet, "/v1/keys", "", map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var keys keysBody
	_ = json.NewDecoder(rec.Body).Decode(&keys)
	if len(keys.Keys) != 1 || keys.Keys[0] != "k0" {
		t.Errorf("keys = %v", keys.Keys)
	}
}

func TestAdminUpdateKeysAndURLs(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/keys/update", `{"keys":["n1","n2","n3"]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update keys status = %d, body = %s", rec.Code, rec.Body.String())
	}
	slots := env.pool.Slots()
	if len(slots) != 3 || slots[2].APIKey != "n3" || slots[2].BaseURL != "https://a.example/v1" {
		t.Errorf("slots after key update = %+v", slots)
	}

	rec = env.do(http.MethodPost, "/v1/urls/update", `{"urls":["https://x/v1","https://y/v1","https://z/v1"]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update urls status = %d", rec.Code)
	}
	var urls urlsBody
	_ = json.NewDecoder(rec.Body).Decode(&urls)
	if len(urls.URLs) != 3 || urls.URLs[1] != "https://y/v1" {
		t.Errorf("urls = %v", urls.URLs)
	}

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "mismatched urls", path: "/v1/urls/update", body: `{"urls":["a","b"]}`},
		{name: "empty keys", path: "/v1/keys/update", body: `{"keys":[]}`},
		{name: "empty urls", path: "/v1/urls/update", body: `{"urls":[]}`},
		{name: "bad json", path: "/v1/keys/update", body: `[`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(http.MethodPost, tt.path, tt.body, nil); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
	if env.pool.Len() != 3 {
		t.Errorf("failed updates must leave the pool alone, got %d slots", env.pool.Len())
	}
}

func TestModelsFanOut(t *testing.T) {
	env := newTestEnv(t, []credentials.Slot{
		{APIKey: "k0", BaseURL: "https://bad.example/v1"},
		{APIKey: "k1", BaseURL: "https://good.example/v1"},
	})
	env.up.badURLs["https://bad.example/v1"] = true

	rec := env.do(http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list modelList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].URLIdx != 1 || list.Data[0].ID != "gpt-3.5-turbo" {
		t.Errorf("models = %+v", list.Data)
	}

	if rec := env.do(http.MethodGet, "/v1/models/1", "", nil); rec.Code != http.StatusOK {
		t.Errorf("slot models status = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/v1/models/0", "", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing slot status = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/v1/models/7", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad index status = %d", rec.Code)
	}
}

func TestSystemEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	rec := env.do(http.MethodGet, "/v1/system", "", nil)
	var info systemInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Provider != fakeProvider || info.Slots != 1 || !info.UsageEnabled || len(info.Tools) != 0 {
		t.Errorf("info = %+v", info)
	}

	_ = env.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	rec = env.do(http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(rec.Body.String(), `chatgw_chat_requests_total{mode="sync",status="200"} 1`) {
		t.Errorf("metrics output missing chat request counter:\n%s", rec.Body.String())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"rpd", &ratelimit.RejectError{Kind: ratelimit.RejectRPD}, http.StatusTooManyRequests, "RPD_LIMIT"},
		{"exhausted", fmt.Errorf("next: %w", credentials.ErrCredentialExhausted), http.StatusUnauthorized, KindCredentialExhausted},
		{"bad request", badRequest("nope"), http.StatusBadRequest, KindInvalidRequest},
		{"missing key", fmt.Errorf("slot 0: %w", credentials.ErrMissingAPIKey), http.StatusUnauthorized, KindInvalidCredentials},
		{"rejected key", &agent.ModelCallError{Model: "m", Attempts: 1, Err: llm.FromStatus("OpenAI", http.StatusForbidden, "", nil)}, http.StatusUnauthorized, KindInvalidCredentials},
		{"model call", &agent.ModelCallError{Model: "m", Attempts: 2, Err: errors.New("x")}, http.StatusInternalServerError, KindModelCallFailed},
		{"upstream", llm.NewMalformedResponseError("garbled", nil), http.StatusInternalServerError, KindUpstream},
		{"timeout", context.DeadlineExceeded, http.StatusInternalServerError, KindTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := classify(tt.err)
			if status != tt.wantStatus || kind != tt.wantKind {
				t.Errorf("classify() = (%d, %q), want (%d, %q)", status, kind, tt.wantStatus, tt.wantKind)
			}
		})
	}
}

func TestUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil))
	req.RemoteAddr = "10.1.2.3:5555"
	if got := userID(req); got != "10.1.2.3" {
		t.Errorf("userID() = %q, want remote host", got)
	}
	req.Header.Set(UserHeader, "erin")
	if got := userID(req); got != "erin" {
		t.Errorf("userID() = %q, want header value", got)
	}
}
