// Package providers wires the provider adapters into an llm.ProviderRegistry.
package providers

import (
	"net/http"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/llm/anthropic"
	"github.com/aschepis/backscratcher/chatgw/llm/ollama"
	"github.com/aschepis/backscratcher/chatgw/llm/openai"
	"github.com/rs/zerolog"
)

// NewRegistry returns a registry with the openai, anthropic and ollama
// factories registered. All clients share httpClient.
func NewRegistry(httpClient *http.Client, logger zerolog.Logger) *llm.ProviderRegistry {
	registry := llm.NewProviderRegistry()
	registry.Register(llm.ProviderOpenAI, openai.NewClientFactory(httpClient))
	registry.Register(llm.ProviderAnthropic, anthropic.NewClientFactory(httpClient, logger))
	registry.Register(llm.ProviderOllama, ollama.NewClientFactory(httpClient))
	return registry
}
