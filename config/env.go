package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/samber/lo"
)

// Environment variables read on top of the config file.
const (
	EnvConfigPath       = "CHATGW_CONFIG_PATH"
	EnvAdminToken       = "CHATGW_ADMIN_TOKEN"
	EnvAPIKeys          = "OPENAI_API_KEYS"
	EnvAPIBaseURLs      = "OPENAI_API_BASE_URLS"
	EnvAPIKey           = "OPENAI_API_KEY"
	EnvBaseURL          = "OPENAI_BASE_URL"
	EnvModel            = "OPENAI_MODEL"
	EnvAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	EnvOllamaHost       = "OLLAMA_HOST"
	EnvRPD              = "RPD"
	EnvRPM              = "RPM"
	EnvEnableSearch     = "ENABLE_SEARCH_TOOL"
	EnvEnableURLCrawler = "ENABLE_URL_CRAWLER_TOOL"
	EnvEnableCode       = "ENABLE_RUN_PYTHON_CODE_TOOL"
	EnvSerperAPIKey     = "SERPER_API_KEY"
	EnvCodeSandboxURL   = "CODE_SANDBOX_URL"
	EnvCodeSandboxToken = "CODE_SANDBOX_TOKEN"
	EnvModelTokenLimit  = "MODEL_TOKEN_LIMIT"
)

// applyEnv overlays environment variables onto cfg. Unset variables leave
// the current value alone.
func applyEnv(cfg *GatewayConfig, getenv func(string) string) error {
	if v := getenv(EnvAdminToken); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := getenv(EnvModel); v != "" {
		cfg.DefaultModel = v
	}

	applyCredentialsEnv(cfg, getenv)

	for name, dst := range map[string]*int{
		EnvRPD:             &cfg.RateLimit.MaxDaily,
		EnvRPM:             &cfg.RateLimit.MaxPerMinute,
		EnvModelTokenLimit: &cfg.Agent.ModelTokenLimit,
	} {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = n
	}

	for name, dst := range map[string]**bool{
		EnvEnableSearch:     &cfg.Tools.EnableSearch,
		EnvEnableURLCrawler: &cfg.Tools.EnableURLCrawler,
		EnvEnableCode:       &cfg.Tools.EnableCode,
	} {
		if v := getenv(name); v != "" {
			*dst = boolPtr(strings.ToLower(strings.TrimSpace(v)) == "true")
		}
	}

	if v := getenv(EnvSerperAPIKey); v != "" {
		cfg.Tools.SerperAPIKey = v
	}
	if v := getenv(EnvCodeSandboxURL); v != "" {
		cfg.Tools.CodeSandboxURL = v
	}
	if v := getenv(EnvCodeSandboxToken); v != "" {
		cfg.Tools.CodeSandboxToken = v
	}
	return nil
}

// applyCredentialsEnv reads the key and URL lists. The plural variables are
// ';'-separated and win over the single-value fallbacks.
func applyCredentialsEnv(cfg *GatewayConfig, getenv func(string) string) {
	switch {
	case getenv(EnvAPIKeys) != "":
		cfg.Credentials.APIKeys = splitList(getenv(EnvAPIKeys))
	case getenv(EnvAPIKey) != "" && cfg.Provider != llm.ProviderAnthropic:
		cfg.Credentials.APIKeys = []string{getenv(EnvAPIKey)}
	case getenv(EnvAnthropicAPIKey) != "" && cfg.Provider == llm.ProviderAnthropic:
		cfg.Credentials.APIKeys = []string{getenv(EnvAnthropicAPIKey)}
	}

	switch {
	case getenv(EnvAPIBaseURLs) != "":
		cfg.Credentials.BaseURLs = splitList(getenv(EnvAPIBaseURLs))
	case getenv(EnvBaseURL) != "" && cfg.Provider == llm.ProviderOpenAI:
		cfg.Credentials.BaseURLs = []string{getenv(EnvBaseURL)}
	case getenv(EnvOllamaHost) != "" && cfg.Provider == llm.ProviderOllama:
		cfg.Credentials.BaseURLs = []string{getenv(EnvOllamaHost)}
	}
}

func splitList(v string) []string {
	return trimAll(strings.Split(v, ";"))
}

// trimAll trims each entry and drops empty ones.
func trimAll(values []string) []string {
	return lo.Compact(lo.Map(values, func(v string, _ int) string { return strings.TrimSpace(v) }))
}
