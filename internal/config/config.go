package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all scribe configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Per-run budget ceilings
	Budget BudgetConfig `yaml:"budget"`

	// Retrieval fusion and re-ranking policy
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Tool surface
	Tools ToolsConfig `yaml:"tools"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ToolsConfig configures optional tools.
type ToolsConfig struct {
	// WebSearchEndpoint is a SearxNG-compatible JSON search endpoint.
	// Empty leaves the web_search tool unregistered.
	WebSearchEndpoint string `yaml:"web_search_endpoint"`

	// WebSearchMaxResults caps hits returned per search (0 uses the default).
	WebSearchMaxResults int `yaml:"web_search_max_results"`
}

// LLMConfig configures the provider gateway.
type LLMConfig struct {
	// Model is the global default, "provider:model" form.
	Model string `yaml:"model"`

	// FallbackModel is used after retries on the primary are exhausted.
	// Empty disables fallback.
	FallbackModel string `yaml:"fallback_model"`

	APIKeys  map[string]string `yaml:"api_keys"`  // provider -> key; env vars override
	BaseURLs map[string]string `yaml:"base_urls"` // provider -> base URL override

	MaxRetries       int    `yaml:"max_retries"`
	RetryBackoffBase string `yaml:"retry_backoff_base"` // e.g. "500ms"
	Timeout          string `yaml:"timeout"`            // per-request transport timeout
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "ollama" or "genai"
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	TaskType       string `yaml:"task_type"`
}

// BudgetConfig holds per-run ceilings.
type BudgetConfig struct {
	MaxIterations      int `yaml:"max_iterations"`       // Model calls per run
	MaxToolCalls       int `yaml:"max_tool_calls"`       // Executed tools per run
	MaxWallSeconds     int `yaml:"max_wall_seconds"`     // Whole-run wall clock
	MaxResponseSeconds int `yaml:"max_response_seconds"` // Single model response
	MaxTokens          int `yaml:"max_tokens"`           // Optional token ceiling (0 = unlimited)
	MaxVerifyFailures  int `yaml:"max_verify_failures"`  // Readback failures before the run fails
}

// RetrievalConfig holds the score-fusion policy. The formula is a policy,
// not a constant: weighted_sum and rrf are both supported.
type RetrievalConfig struct {
	Fusion        string  `yaml:"fusion"`         // "weighted_sum" or "rrf"
	LexicalWeight float64 `yaml:"lexical_weight"` // weighted_sum only
	VectorWeight  float64 `yaml:"vector_weight"`  // weighted_sum only
	RRFK          int     `yaml:"rrf_k"`          // rrf only
	ReRankTopN    int     `yaml:"rerank_top_n"`   // 0 disables re-ranking
	Hypothetical  bool    `yaml:"hypothetical"`   // HyDE query expansion
	DefaultK      int     `yaml:"default_k"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns production defaults.
func Default() *Config {
	return &Config{
		Name:    "scribe",
		Version: "1.0.0",
		LLM: LLMConfig{
			Model:            "anthropic:claude-sonnet-4-20250514",
			MaxRetries:       3,
			RetryBackoffBase: "500ms",
			Timeout:          "120s",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "RETRIEVAL_QUERY",
		},
		Budget: BudgetConfig{
			MaxIterations:      15,
			MaxToolCalls:       30,
			MaxWallSeconds:     120,
			MaxResponseSeconds: 45,
			MaxVerifyFailures:  3,
		},
		Retrieval: RetrievalConfig{
			Fusion:        "weighted_sum",
			LexicalWeight: 0.4,
			VectorWeight:  0.6,
			RRFK:          60,
			ReRankTopN:    0,
			DefaultK:      8,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the config file path for a vault.
func ConfigPath(vault string) string {
	return filepath.Join(vault, ".scribe", "config.yaml")
}

// Load reads the vault config, merging over defaults. A missing file is not
// an error: defaults apply.
func Load(vault string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ConfigPath(vault))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables supply API keys so secrets
// stay out of the vault.
func (c *Config) applyEnvOverrides() {
	if c.LLM.APIKeys == nil {
		c.LLM.APIKeys = make(map[string]string)
	}
	envKeys := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	}
	for provider, envVar := range envKeys {
		if v := os.Getenv(envVar); v != "" {
			c.LLM.APIKeys[provider] = v
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Embedding.GenAIAPIKey == "" {
		c.Embedding.GenAIAPIKey = v
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	switch c.Retrieval.Fusion {
	case "", "weighted_sum", "rrf":
	default:
		return fmt.Errorf("invalid retrieval.fusion %q (want weighted_sum or rrf)", c.Retrieval.Fusion)
	}
	if c.Budget.MaxIterations <= 0 {
		return fmt.Errorf("budget.max_iterations must be positive")
	}
	if c.Budget.MaxToolCalls <= 0 {
		return fmt.Errorf("budget.max_tool_calls must be positive")
	}
	return nil
}

// RequestTimeout parses the LLM transport timeout with a safe default.
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// RetryBackoffBase parses the retry backoff base with a safe default.
func (c *Config) RetryBackoffBase() time.Duration {
	d, err := time.ParseDuration(c.LLM.RetryBackoffBase)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}
