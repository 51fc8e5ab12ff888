package provider

import (
	"scribe/internal/config"
)

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		APIKeys: map[string]string{
			"anthropic": "k1",
			"openai":    "k2",
			"gemini":    "k3",
		},
		MaxRetries:       2,
		RetryBackoffBase: "1ms",
		Timeout:          "30s",
	}
}
