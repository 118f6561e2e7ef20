package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

// RemoteCaller runs a named tool somewhere other than this process.
type RemoteCaller interface {
	Call(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// SandboxClient calls tools on a sandbox service. Each call is
//
//	POST {base}/tools/{name}  {"args": {...}}
//
// and the JSON reply is returned unchanged. A gateway error from the
// sandbox (502, 503, 504) or a dropped connection is retried once.
type SandboxClient struct {
	base  string
	token string
	http  *http.Client
}

// NewSandboxClient returns a client for the sandbox at base. A nil
// httpClient gets a one minute timeout.
func NewSandboxClient(base, token string, httpClient *http.Client) *SandboxClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &SandboxClient{base: base, token: token, http: httpClient}
}

func (c *SandboxClient) Call(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	if c.base == "" {
		return nil, fmt.Errorf("sandbox: no base URL configured")
	}
	endpoint, err := url.JoinPath(c.base, "tools", toolName)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	body, err := json.Marshal(struct {
		Args json.RawMessage `json:"args"`
	}{args})
	if err != nil {
		return nil, err
	}

	var reply json.RawMessage
	attempt := func() error {
		var err error
		reply, err = c.post(ctx, endpoint, body)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), 1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *SandboxClient) post(ctx context.Context, endpoint string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 2*maxOutputBytes))
	if err != nil {
		return nil, fmt.Errorf("sandbox: read reply: %w", err)
	}
	if resp.StatusCode < http.StatusBadRequest {
		return data, nil
	}

	msg := gjson.GetBytes(data, "error").String()
	if msg == "" {
		msg = gjson.GetBytes(data, "detail").String()
	}
	err = fmt.Errorf("sandbox: %s: %s", resp.Status, msg)
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, err
	}
	return nil, backoff.Permanent(err)
}
