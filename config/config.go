package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/aschepis/backscratcher/chatgw/credentials"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/ratelimit"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Hard limits applied after loading.
const (
	MaxCompletionTokens    = 4096
	DefaultModelTokenLimit = 4096
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string `yaml:"addr,omitempty"`             // Listen address (default: :8080)
	AdminToken      string `yaml:"admin_token,omitempty"`      // Bearer token for the admin routes; empty disables the check
	UpstreamTimeout int    `yaml:"upstream_timeout,omitempty"` // Seconds per upstream HTTP call
	ShutdownTimeout int    `yaml:"shutdown_timeout,omitempty"` // Seconds to drain requests on shutdown
}

// CredentialsConfig lists the upstream API keys and endpoints. Keys and
// URLs are paired by index; a single URL is shared by every key.
type CredentialsConfig struct {
	APIKeys  []string `yaml:"api_keys,omitempty"`
	BaseURLs []string `yaml:"base_urls,omitempty"`
}

// AgentConfig holds the per-request agent loop settings.
type AgentConfig struct {
	SystemPrompt       string   `yaml:"system_prompt,omitempty"`
	MaxIterations      int      `yaml:"max_iterations,omitempty"`
	MaxExecutionTime   int      `yaml:"max_execution_time,omitempty"`   // Seconds
	NumMemoryTurns     int      `yaml:"num_memory_turns,omitempty"`     // <= 0 keeps every turn
	MaxHistoryMessages int      `yaml:"max_history_messages,omitempty"` // Messages kept from the request before trimming
	MaxContextTokens   int      `yaml:"max_context_tokens,omitempty"`
	MaxTokens          int64    `yaml:"max_tokens,omitempty"`
	Temperature        *float64 `yaml:"temperature,omitempty"`
	RetryDelayMs       int      `yaml:"retry_delay_ms,omitempty"`

	// ModelTokenLimit is the context window for models missing from
	// ModelTokenLimits.
	ModelTokenLimit  int            `yaml:"model_token_limit,omitempty"`
	ModelTokenLimits map[string]int `yaml:"model_token_limits,omitempty"`
}

// ToolsConfig selects and configures the agent tools. The Enable flags are
// pointers so a file can switch off a tool that is on by default.
type ToolsConfig struct {
	EnableSearch     *bool  `yaml:"enable_search,omitempty"`
	EnableURLCrawler *bool  `yaml:"enable_url_crawler,omitempty"`
	EnableCode       *bool  `yaml:"enable_code,omitempty"`
	SerperAPIKey     string `yaml:"serper_api_key,omitempty"`
	SerperGL         string `yaml:"serper_gl,omitempty"`
	SerperHL         string `yaml:"serper_hl,omitempty"`
	CodeSandboxURL   string `yaml:"code_sandbox_url,omitempty"`
	CodeSandboxToken string `yaml:"code_sandbox_token,omitempty"`
	PythonPath       string `yaml:"python_path,omitempty"`
	CodeTimeout      int    `yaml:"code_timeout,omitempty"` // Seconds
}

// UsageConfig controls the SQLite usage ledger.
type UsageConfig struct {
	Enabled       bool   `yaml:"enabled,omitempty"`
	DBPath        string `yaml:"db_path,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
	PruneSchedule string `yaml:"prune_schedule,omitempty"` // Cron expression or duration
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	File   string `yaml:"file,omitempty"`
	Pretty bool   `yaml:"pretty,omitempty"`
	Level  string `yaml:"level,omitempty"` // LOG_LEVEL is used when empty
}

// GatewayConfig is the complete daemon configuration.
type GatewayConfig struct {
	Server       ServerConfig      `yaml:"server,omitempty"`
	Provider     string            `yaml:"provider,omitempty"` // openai, anthropic or ollama
	DefaultModel string            `yaml:"default_model,omitempty"`
	Credentials  CredentialsConfig `yaml:"credentials,omitempty"`
	RateLimit    ratelimit.Config  `yaml:"rate_limit,omitempty"`
	Agent        AgentConfig       `yaml:"agent,omitempty"`
	Tools        ToolsConfig       `yaml:"tools,omitempty"`
	Usage        UsageConfig       `yaml:"usage,omitempty"`
	Logging      LoggingConfig     `yaml:"logging,omitempty"`
}

// GetConfigPath returns the default config file path.
// Can be overridden via the CHATGW_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.chatgw/config.yaml"
	}
	return filepath.Join(homeDir, ".chatgw", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// defaultBaseURLs is the endpoint used per provider when none is configured.
var defaultBaseURLs = map[string]string{
	llm.ProviderOpenAI:    "https://api.openai.com/v1",
	llm.ProviderAnthropic: "https://api.anthropic.com",
	llm.ProviderOllama:    "http://localhost:11434",
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

// Defaults returns the configuration used when nothing else is set.
func Defaults() GatewayConfig {
	return GatewayConfig{
		Server: ServerConfig{
			Addr:            ":8080",
			UpstreamTimeout: 120,
			ShutdownTimeout: 15,
		},
		Provider:     llm.ProviderOpenAI,
		DefaultModel: "gpt-3.5-turbo",
		RateLimit:    ratelimit.Config{MaxDaily: -1, MaxPerMinute: -1},
		Agent: AgentConfig{
			MaxIterations:      3,
			MaxExecutionTime:   120,
			NumMemoryTurns:     -1,
			MaxHistoryMessages: 10,
			MaxContextTokens:   2048,
			MaxTokens:          1024,
			Temperature:        floatPtr(0.7),
			RetryDelayMs:       500,
			ModelTokenLimit:    DefaultModelTokenLimit,
			ModelTokenLimits: map[string]int{
				"gpt-3.5-turbo":     16385,
				"gpt-3.5-turbo-16k": 16385,
				"gpt-4":             8192,
				"gpt-4-32k":         32768,
				"gpt-4-turbo":       128000,
				"gpt-4o":            128000,
				"gpt-4o-mini":       128000,
			},
		},
		Tools: ToolsConfig{
			EnableSearch:     boolPtr(true),
			EnableURLCrawler: boolPtr(true),
			EnableCode:       boolPtr(true),
			SerperGL:         "us",
			SerperHL:         "en",
			PythonPath:       "python3",
			CodeTimeout:      30,
		},
		Usage: UsageConfig{
			DBPath:        "~/.chatgw/usage.db",
			RetentionDays: 30,
			PruneSchedule: "@hourly",
		},
	}
}

// LoadGatewayConfig loads the configuration: defaults, then the YAML file
// at path when it exists, then environment overrides.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*GatewayConfig, error) {
	// Step 1: Set defaults
	cfg := Defaults()

	// Step 2: Merge the config file onto the defaults (if it exists)
	if path != "" {
		expandedPath := expandPath(path)
		if _, err := os.Stat(expandedPath); err == nil {
			data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
			}
			var fileCfg GatewayConfig
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
			}
			if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge config file: %w", err)
			}
			// mergo never overrides with a zero value, so an explicit false
			// tool switch is copied by hand.
			for _, flag := range []struct{ dst, src **bool }{
				{&cfg.Tools.EnableSearch, &fileCfg.Tools.EnableSearch},
				{&cfg.Tools.EnableURLCrawler, &fileCfg.Tools.EnableURLCrawler},
				{&cfg.Tools.EnableCode, &fileCfg.Tools.EnableCode},
			} {
				if *flag.src != nil {
					*flag.dst = boolPtr(**flag.src)
				}
			}
		}
	}

	// Step 3: Environment overrides
	if err := applyEnv(&cfg, getenv); err != nil {
		return nil, err
	}

	// Step 4: Normalize and validate
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize clamps values into their supported ranges.
func (c *GatewayConfig) normalize() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Agent.MaxTokens > MaxCompletionTokens {
		c.Agent.MaxTokens = MaxCompletionTokens
	}
	if c.Agent.ModelTokenLimit <= 0 {
		c.Agent.ModelTokenLimit = DefaultModelTokenLimit
	}
	c.Credentials.APIKeys = trimAll(c.Credentials.APIKeys)
	c.Credentials.BaseURLs = lo.Map(trimAll(c.Credentials.BaseURLs), func(u string, _ int) string {
		return strings.TrimRight(u, "/")
	})
	if len(c.Credentials.BaseURLs) == 0 {
		c.Credentials.BaseURLs = []string{defaultBaseURLs[c.Provider]}
	}
	c.Usage.DBPath = expandPath(c.Usage.DBPath)
	c.Logging.File = expandPath(c.Logging.File)
}

// Validate reports configuration the daemon cannot start with.
func (c *GatewayConfig) Validate() error {
	switch c.Provider {
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderOllama:
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if c.Provider != llm.ProviderOllama && len(c.Credentials.APIKeys) == 0 {
		return fmt.Errorf("no API keys configured: set credentials.api_keys or OPENAI_API_KEYS")
	}
	if _, err := c.Slots(); err != nil {
		return err
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxExecutionTime <= 0 {
		return fmt.Errorf("agent.max_execution_time must be positive, got %d", c.Agent.MaxExecutionTime)
	}
	return nil
}

// Slots pairs the configured keys and URLs into credential slots. Ollama
// needs no key, so each URL gets an empty one.
func (c *GatewayConfig) Slots() ([]credentials.Slot, error) {
	keys := c.Credentials.APIKeys
	if len(keys) == 0 && c.Provider == llm.ProviderOllama {
		keys = make([]string, len(c.Credentials.BaseURLs))
	}
	slots, err := credentials.PairSlots(keys, c.Credentials.BaseURLs)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return slots, nil
}

// TokenLimit returns the context window of model.
func (a AgentConfig) TokenLimit(model string) int {
	if limit, ok := a.ModelTokenLimits[model]; ok && limit > 0 {
		return limit
	}
	return a.ModelTokenLimit
}

// ExecutionTimeout returns MaxExecutionTime as a duration.
func (a AgentConfig) ExecutionTimeout() time.Duration {
	return time.Duration(a.MaxExecutionTime) * time.Second
}

// RetryDelay returns RetryDelayMs as a duration.
func (a AgentConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMs) * time.Millisecond
}

// SearchEnabled reports whether the search tool is on.
func (t ToolsConfig) SearchEnabled() bool { return t.EnableSearch != nil && *t.EnableSearch }

// URLCrawlerEnabled reports whether the URL crawler tool is on.
func (t ToolsConfig) URLCrawlerEnabled() bool { return t.EnableURLCrawler != nil && *t.EnableURLCrawler }

// CodeEnabled reports whether the code interpreter tool is on.
func (t ToolsConfig) CodeEnabled() bool { return t.EnableCode != nil && *t.EnableCode }

// SaveGatewayConfig writes cfg to path as YAML.
func SaveGatewayConfig(cfg *GatewayConfig, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ClampTokens fits a request's completion and context budgets into limit.
// maxTokens is capped at MaxCompletionTokens first; when the pair still
// overflows, both shrink proportionally and the context gets the remainder.
func ClampTokens(limit int, maxTokens int64, maxContext int) (int64, int) {
	if maxTokens > MaxCompletionTokens {
		maxTokens = MaxCompletionTokens
	}
	current := maxTokens + int64(maxContext)
	if limit <= 0 || current <= int64(limit) {
		return maxTokens, maxContext
	}
	scaled := int64(float64(maxTokens) / float64(current) * float64(limit))
	if scaled > MaxCompletionTokens {
		scaled = MaxCompletionTokens
	}
	return scaled, limit - int(scaled)
}

// Budget returns the completion and context token budgets for model.
func (a AgentConfig) Budget(model string, maxTokens int64, maxContext int) (int64, int) {
	if maxTokens <= 0 {
		maxTokens = a.MaxTokens
	}
	if maxContext <= 0 {
		maxContext = a.MaxContextTokens
	}
	return ClampTokens(a.TokenLimit(model), maxTokens, maxContext)
}
