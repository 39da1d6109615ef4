package aiagent

import (
	"errors"

	"github.com/jobctl/orchestrator/internal/profile"
)

// Config represents the LLM configuration backing an AIAgent flow
// module's tool-calling harness.
type Config struct {
	LLM     LLMConfig
	Enabled bool
}

// LLMConfig represents LLM configuration.
type LLMConfig struct {
	Provider    string // Provider identifier accepted by NewLLMService: deepseek, openai, siliconflow
	Model       string // Model name: glm-4.7, deepseek-chat, gpt-4o, etc.
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
	Timeout     int     // Request timeout in seconds (default: 120)
}

// NewConfigFromProfile builds the AIAgent LLM config from the shared
// process profile.
func NewConfigFromProfile(p *profile.Profile) *Config {
	cfg := &Config{Enabled: p.AIEnabled}
	if !cfg.Enabled {
		return cfg
	}
	cfg.LLM = LLMConfig{
		Provider:    p.ALLMProvider,
		Model:       p.ALLMModel,
		APIKey:      p.ALLMAPIKey,
		BaseURL:     p.ALLMBaseURL,
		MaxTokens:   2048,
		Temperature: 0.7,
		Timeout:     p.ALLMTimeout,
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.LLM.Provider == "" {
		return errors.New("LLM provider is required")
	}

	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return errors.New("LLM API key is required")
	}

	return nil
}
