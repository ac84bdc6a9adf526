package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}

	// Load secrets from environment
	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return cfg, secrets, nil
}

// Parse decodes TOML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a fully defaulted configuration using Gemini for text and images
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	g := &cfg.Generation
	if g.MinPages == 0 {
		g.MinPages = 1
	}
	if g.MaxPages == 0 {
		g.MaxPages = 24
	}
	if g.DefaultPages == 0 {
		g.DefaultPages = 6
	}
	// NOTE: TOML cannot distinguish 0 from unset, so max_retries = 0 means 3.
	// Use -1 to disable retries.
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	} else if g.MaxRetries < 0 {
		g.MaxRetries = 0
	}
	if g.MaxInFlightPages == 0 {
		g.MaxInFlightPages = 4
	}
	if g.MaxInFlightJobs == 0 {
		g.MaxInFlightJobs = 8
	}
	if g.MaxTextRunes == 0 {
		g.MaxTextRunes = 1200
	}
	if g.OutlineTimeoutSeconds == 0 {
		g.OutlineTimeoutSeconds = 60
	}
	if g.TextTimeoutSeconds == 0 {
		g.TextTimeoutSeconds = 60
	}
	if g.ImageTimeoutSeconds == 0 {
		g.ImageTimeoutSeconds = 180
	}
	if g.BaseRetryDelayMs == 0 {
		g.BaseRetryDelayMs = 2000
	}
	if g.MaxBackoffSeconds == 0 {
		g.MaxBackoffSeconds = 60
	}

	if cfg.Models == nil {
		cfg.Models = make(map[string]ModelConfig)
	}
	if _, ok := cfg.Models[ModelText]; !ok {
		cfg.Models[ModelText] = ModelConfig{Provider: ProviderGemini, ModelName: "gemini-2.5-flash"}
	}
	if _, ok := cfg.Models[ModelImage]; !ok {
		cfg.Models[ModelImage] = ModelConfig{Provider: ProviderGeminiImage, ModelName: "gemini-2.5-flash-image"}
	}
	for name, model := range cfg.Models {
		if model.Temperature == 0 {
			model.Temperature = 0.8
		}
		if model.MaxOutputTokens == 0 && (model.Provider == ProviderGemini || model.Provider == ProviderOpenAI) {
			model.MaxOutputTokens = 4096
		}
		if model.ImageSize == "" && (model.Provider == ProviderGeminiImage || model.Provider == ProviderIdeogram) {
			model.ImageSize = "1:1"
		}
		if model.RateLimitPerMinute == 0 {
			// Image providers default to one call per second
			if model.Provider == ProviderGeminiImage || model.Provider == ProviderIdeogram {
				model.RateLimitPerMinute = 60
			} else {
				model.RateLimitPerMinute = 120
			}
		}
		cfg.Models[name] = model
	}

	if len(cfg.Themes) == 0 {
		cfg.Themes = DefaultThemes()
	}

	// Apply default templates if not provided
	if cfg.PromptTemplates.Outline == "" {
		cfg.PromptTemplates.Outline = GetDefaultOutlineTemplate()
	}
	if cfg.PromptTemplates.PageText == "" {
		cfg.PromptTemplates.PageText = GetDefaultPageTextTemplate()
	}
	if cfg.PromptTemplates.PageImage == "" {
		cfg.PromptTemplates.PageImage = GetDefaultPageImageTemplate()
	}
	if cfg.PromptTemplates.SystemPrompt == "" {
		cfg.PromptTemplates.SystemPrompt = GetDefaultStorySystemPrompt()
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFilesystem
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "output/artifacts"
	}
	if cfg.Storage.CacheTTLMinutes == 0 {
		cfg.Storage.CacheTTLMinutes = 30
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "output/jobs.jsonl"
	}
}
