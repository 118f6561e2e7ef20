package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/ollama/ollama/api"
)

// OllamaClient implements the llm.Client interface for Ollama's API.
type OllamaClient struct {
	client *api.Client
	host   string
	model  string
}

// NewOllamaClient creates a new OllamaClient.
// If host is empty, it will use the default from environment (OLLAMA_HOST or http://localhost:11434).
func NewOllamaClient(host, model string, httpClient *http.Client) (*OllamaClient, error) {
	if host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return &OllamaClient{client: client, model: model}, nil
	}

	baseURL, err := parseHost(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OllamaClient{
		client: api.NewClient(baseURL, httpClient),
		host:   baseURL.String(),
		model:  model,
	}, nil
}

// NewClientFactory returns an llm.ClientFactory that builds OllamaClients.
// The slot base URL is used as the Ollama host; the API key is ignored.
func NewClientFactory(httpClient *http.Client) llm.ClientFactory {
	return func(key llm.ClientKey) (llm.Client, error) {
		return NewOllamaClient(key.BaseURL, key.Model, httpClient)
	}
}

// parseHost parses a host string into a URL.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(strings.TrimSuffix(host, "/v1"))
}

// Synchronous implements llm.Client.Synchronous.
func (c *OllamaClient) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq, err := newChatRequest(req, c.model, false)
	if err != nil {
		return nil, err
	}

	var chatResp api.ChatResponse
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		chatResp = resp
		return nil
	})
	if err != nil {
		return nil, convertOllamaError(err)
	}

	return fromChatResponse(chatResp, req.Tools), nil
}

// Stream implements llm.Client.Stream.
func (c *OllamaClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	chatReq, err := newChatRequest(req, c.model, true)
	if err != nil {
		return nil, err
	}
	return newOllamaStream(ctx, c.client, chatReq, newToolCallDecoder(req.Tools)), nil
}

// ListModels returns the models installed on the Ollama host.
func (c *OllamaClient) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, convertOllamaError(err)
	}
	models := make([]llm.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, llm.ModelInfo{
			ID:      m.Name,
			OwnedBy: "ollama",
			Created: m.ModifiedAt.Unix(),
		})
	}
	return models, nil
}

// convertOllamaError maps Ollama client errors onto llm.Error.
func convertOllamaError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var statusErr api.StatusError
	if !errors.As(err, &statusErr) {
		return llm.NewNetworkError("Ollama transport error", err)
	}
	return llm.FromStatus("Ollama", statusErr.StatusCode, statusErr.ErrorMessage, err)
}
