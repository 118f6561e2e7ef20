// Package client talks to a running chatgwd over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultAddress is the default gateway address.
	DefaultAddress = "http://localhost:8080"

	userHeader = "X-User-ID"
	doneData   = "[DONE]"
)

// Message is one chat turn sent to the gateway.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	MaxTokens        int64     `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	Stream           bool      `json:"stream"`
	MaxContextTokens int       `json:"max_context_tokens,omitempty"`
}

// ChatResult is the outcome of a chat call.
type ChatResult struct {
	ID           string
	Content      string
	FinishReason string
}

// StreamCallback receives content deltas as they arrive.
type StreamCallback func(text string) error

// APIError is an error answer from the gateway.
type APIError struct {
	Status int
	Type   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("gateway error: %s (%s)", e.Detail, e.Type)
	}
	return fmt.Sprintf("gateway error %d: %s (%s)", e.Status, e.Detail, e.Type)
}

// Client is the HTTP client for the gateway.
type Client struct {
	baseURL    string
	userID     string
	adminToken string
	http       *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithUserID sets the identity used for rate limiting.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

// WithAdminToken sets the bearer token sent to admin routes.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Connect creates a client for the gateway at address. A bare host:port is
// treated as http.
func Connect(address string, opts ...Option) (*Client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("address is required")
	}
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	c := &Client{
		baseURL: strings.TrimRight(address, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat sends a non-streaming request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	req.Stream = false
	resp, err := c.post(ctx, "/v1/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // No remedy for body close errors

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	parsed := gjson.ParseBytes(body)
	return &ChatResult{
		ID:           parsed.Get("id").String(),
		Content:      parsed.Get("choices.0.message.content").String(),
		FinishReason: parsed.Get("choices.0.finish_reason").String(),
	}, nil
}

// ChatStream sends a streaming request and calls cb for every content
// delta. It returns the concatenated content once [DONE] arrives.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, cb StreamCallback) (*ChatResult, error) {
	req.Stream = true
	resp, err := c.post(ctx, "/v1/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // No remedy for body close errors

	result := &ChatResult{}
	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == doneData {
			result.Content = full.String()
			return result, nil
		}
		frame := gjson.Parse(data)
		if msg := frame.Get("error.message"); msg.Exists() {
			return nil, &APIError{Type: frame.Get("error.type").String(), Detail: msg.String()}
		}
		if result.ID == "" {
			result.ID = frame.Get("id").String()
		}
		if reason := frame.Get("choices.0.finish_reason"); reason.Type == gjson.String {
			result.FinishReason = reason.String()
		}
		text := frame.Get("choices.0.delta.content").String()
		if text == "" {
			continue
		}
		full.WriteString(text)
		if cb != nil {
			if err := cb(text); err != nil {
				return nil, fmt.Errorf("stream callback error: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream error: %w", err)
	}
	return nil, io.ErrUnexpectedEOF
}

// Models returns the model ids reported by the gateway.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	body, err := c.getJSON(ctx, "/v1/models")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range gjson.GetBytes(body, "data.#.id").Array() {
		ids = append(ids, id.String())
	}
	return ids, nil
}

// System returns the raw /v1/system document.
func (c *Client) System(ctx context.Context) (json.RawMessage, error) {
	body, err := c.getJSON(ctx, "/v1/system")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // No remedy for body close errors
	return io.ReadAll(resp.Body)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.userID != "" {
		req.Header.Set(userHeader, c.userID)
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close() //nolint:errcheck // No remedy for body close errors
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		parsed := gjson.ParseBytes(body)
		detail := parsed.Get("detail").String()
		if detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		return nil, &APIError{Status: resp.StatusCode, Type: parsed.Get("type").String(), Detail: detail}
	}
	return resp, nil
}

// Timeout returns a context bounded by d, or ctx itself when d is zero.
func Timeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
