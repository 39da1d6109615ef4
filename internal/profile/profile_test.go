package profile

import (
	"os"
	"testing"
)

func clearAIEnvVars() {
	for _, name := range []string{
		"JOBCTL_AI_LLM_PROVIDER",
		"JOBCTL_AI_LLM_API_KEY",
		"JOBCTL_AI_LLM_BASE_URL",
		"JOBCTL_AI_LLM_MODEL",
		"JOBCTL_AI_LLM_TIMEOUT_SECONDS",
	} {
		os.Unsetenv(name)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearAIEnvVars()

	p := &Profile{}
	p.FromEnv()

	if p.AIEnabled {
		t.Errorf("AIEnabled: expected false with no API key set, got true")
	}
	if p.ALLMProvider != "openai" {
		t.Errorf("ALLMProvider: expected %q, got %q", "openai", p.ALLMProvider)
	}
	if p.ALLMBaseURL != "https://api.openai.com/v1" {
		t.Errorf("ALLMBaseURL: expected the openai default, got %q", p.ALLMBaseURL)
	}
	if p.ALLMModel != "gpt-4o-mini" {
		t.Errorf("ALLMModel: expected the openai default, got %q", p.ALLMModel)
	}
	if p.ExprEvalTimeout.Seconds() != 10 {
		t.Errorf("ExprEvalTimeout: expected 10s default, got %v", p.ExprEvalTimeout)
	}
	if p.WorkerSlots != 4 {
		t.Errorf("WorkerSlots: expected 4 default, got %d", p.WorkerSlots)
	}
}

func TestFromEnvReadsLLMProvider(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		envValue string
		field    func(*Profile) string
		expected string
	}{
		{
			name:     "LLM API key",
			envVar:   "JOBCTL_AI_LLM_API_KEY",
			envValue: "test-key",
			field:    func(p *Profile) string { return p.ALLMAPIKey },
			expected: "test-key",
		},
		{
			name:     "LLM provider switches to deepseek",
			envVar:   "JOBCTL_AI_LLM_PROVIDER",
			envValue: "deepseek",
			field:    func(p *Profile) string { return p.ALLMProvider },
			expected: "deepseek",
		},
		{
			name:     "unknown provider falls back to openai",
			envVar:   "JOBCTL_AI_LLM_PROVIDER",
			envValue: "not-a-real-provider",
			field:    func(p *Profile) string { return p.ALLMProvider },
			expected: "openai",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearAIEnvVars()
			os.Setenv(tt.envVar, tt.envValue)
			defer os.Unsetenv(tt.envVar)

			p := &Profile{}
			p.FromEnv()

			if actual := tt.field(p); actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, actual)
			}
		})
	}
}

func TestFromEnvDeepSeekProviderDefaults(t *testing.T) {
	clearAIEnvVars()
	os.Setenv("JOBCTL_AI_LLM_PROVIDER", "deepseek")
	defer os.Unsetenv("JOBCTL_AI_LLM_PROVIDER")

	p := &Profile{}
	p.FromEnv()

	if p.ALLMBaseURL != "https://api.deepseek.com" {
		t.Errorf("ALLMBaseURL: expected deepseek default, got %q", p.ALLMBaseURL)
	}
	if p.ALLMModel != "deepseek-chat" {
		t.Errorf("ALLMModel: expected deepseek default, got %q", p.ALLMModel)
	}
}

func TestIsAIEnabled(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected bool
	}{
		{"no API key returns false", "", false},
		{"API key set returns true", "sk-test", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Profile{ALLMAPIKey: tt.apiKey}
			if got := p.IsAIEnabled(); got != tt.expected {
				t.Errorf("IsAIEnabled(): expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestIsDev(t *testing.T) {
	tests := []struct {
		mode     string
		expected bool
	}{
		{"dev", true},
		{"demo", true},
		{"", true},
		{"prod", false},
	}

	for _, tt := range tests {
		p := &Profile{Mode: tt.mode}
		if got := p.IsDev(); got != tt.expected {
			t.Errorf("IsDev() with mode %q: expected %v, got %v", tt.mode, tt.expected, got)
		}
	}
}

func TestValidateDefaultsBothServerAndWorker(t *testing.T) {
	p := &Profile{Driver: "sqlite", Data: "."}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	if !p.RunServer || !p.RunWorker {
		t.Errorf("Validate(): expected both RunServer and RunWorker true when neither set, got server=%v worker=%v", p.RunServer, p.RunWorker)
	}
}

func TestValidateFallsBackToDemoOnUnknownMode(t *testing.T) {
	p := &Profile{Mode: "staging", Driver: "sqlite", Data: "."}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	if p.Mode != "demo" {
		t.Errorf("Validate(): expected unknown mode to fall back to demo, got %q", p.Mode)
	}
}
