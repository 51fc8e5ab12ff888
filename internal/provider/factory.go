package provider

import (
	"fmt"
	"time"

	"scribe/internal/config"
	"scribe/internal/types"
)

// NewClient builds a streaming client for a parsed model reference.
// Unknown providers fail fast at construction, never mid-run.
func NewClient(ref types.ModelRef, cfg config.LLMConfig) (Client, error) {
	apiKey := cfg.APIKeys[ref.Provider]
	baseURL := cfg.BaseURLs[ref.Provider]
	timeout := parseTimeout(cfg.Timeout)

	switch ref.Provider {
	case "anthropic":
		return NewAnthropicClient(apiKey, baseURL, ref.Model, timeout), nil
	case "openai":
		return NewOpenAIClient(apiKey, baseURL, ref.Model, timeout), nil
	case "gemini":
		return NewGeminiClient(apiKey, baseURL, ref.Model, timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: anthropic, openai, gemini)", ref.Provider)
	}
}

func parseTimeout(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
