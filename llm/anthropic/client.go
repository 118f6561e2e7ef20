package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/rs/zerolog"
)

// AnthropicClient implements the llm.Client interface for Anthropic's API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
	logger zerolog.Logger
}

// NewAnthropicClient creates a new AnthropicClient bound to one API key.
// If baseURL is empty, the SDK default endpoint is used.
func NewAnthropicClient(apiKey, baseURL, model string, httpClient *http.Client, logger zerolog.Logger) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		client: &client,
		model:  model,
		logger: logger.With().Str("component", "anthropicClient").Logger(),
	}, nil
}

// NewClientFactory returns an llm.ClientFactory that builds AnthropicClients.
func NewClientFactory(httpClient *http.Client, logger zerolog.Logger) llm.ClientFactory {
	return func(key llm.ClientKey) (llm.Client, error) {
		return NewAnthropicClient(key.APIKey, key.BaseURL, key.Model, httpClient, logger)
	}
}

// Synchronous implements llm.Client.Synchronous.
func (c *AnthropicClient) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params, err := newMessageParams(req, c.model)
	if err != nil {
		return nil, err
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, convertAnthropicError(err)
	}

	resp, err := fromMessage(message)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Str("stop_reason", resp.StopReason).
		Msg("Anthropic message complete")
	return resp, nil
}

// Stream implements llm.Client.Stream.
func (c *AnthropicClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	params, err := newMessageParams(req, c.model)
	if err != nil {
		return nil, err
	}
	return newAnthropicStream(c.client.Messages.NewStreaming(ctx, params)), nil
}

// convertAnthropicError maps SDK errors onto llm.Error.
func convertAnthropicError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return llm.NewNetworkError("Anthropic transport error", err)
	}
	return llm.FromStatus("Anthropic", apiErr.StatusCode, "", err)
}
