package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aschepis/backscratcher/chatgw/llm"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient is an llm.Client for any OpenAI-compatible chat completions
// endpoint, bound to one API key and base URL.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient returns a client for baseURL, or api.openai.com when
// baseURL is empty. model is used for requests that name none.
func NewOpenAIClient(apiKey, baseURL, model string, httpClient *http.Client) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// NewClientFactory returns an llm.ClientFactory that builds OpenAIClients.
func NewClientFactory(httpClient *http.Client) llm.ClientFactory {
	return func(key llm.ClientKey) (llm.Client, error) {
		return NewOpenAIClient(key.APIKey, key.BaseURL, key.Model, httpClient)
	}
}

func (c *OpenAIClient) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq, err := newChatRequest(req, c.model, false)
	if err != nil {
		return nil, err
	}
	chatResp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, convertOpenAIError(err)
	}
	return fromChatResponse(chatResp)
}

func (c *OpenAIClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	chatReq, err := newChatRequest(req, c.model, true)
	if err != nil {
		return nil, err
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, convertOpenAIError(err)
	}
	return newOpenAIStream(stream), nil
}

// ListModels implements llm.ModelLister. Entries without an ID are skipped.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, convertOpenAIError(err)
	}
	var models []llm.ModelInfo
	for _, m := range list.Models {
		if m.ID != "" {
			models = append(models, llm.ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy, Created: m.CreatedAt})
		}
	}
	return models, nil
}

// convertOpenAIError maps go-openai errors onto llm.Error. Context errors
// pass through untouched.
func convertOpenAIError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.FromStatus("OpenAI", apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.FromStatus("OpenAI", reqErr.HTTPStatusCode, "", err)
	}
	return llm.NewNetworkError("OpenAI transport error", err)
}
