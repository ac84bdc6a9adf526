package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lamim/storyforge/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Generation      GenerationConfig       `toml:"generation"`
	Models          map[string]ModelConfig `toml:"models"` // "text" and "image"
	Themes          map[string]string      `toml:"themes"` // theme key -> description used in prompts
	PromptTemplates PromptTemplates        `toml:"prompt_templates"`
	Storage         StorageConfig          `toml:"storage"`
	Server          ServerConfig           `toml:"server"`
	Journal         JournalConfig          `toml:"journal"`
}

// GenerationConfig holds generation-specific settings
type GenerationConfig struct {
	MinPages              int `toml:"min_pages"`
	MaxPages              int `toml:"max_pages"`
	DefaultPages          int `toml:"default_pages"`           // Used by the CLI when --pages is omitted
	MaxRetries            int `toml:"max_retries"`             // Retries per prompt after the first attempt
	MaxInFlightPages      int `toml:"max_in_flight_pages"`     // Concurrent pages per job
	MaxInFlightJobs       int `toml:"max_in_flight_jobs"`      // Concurrent jobs per process
	MaxTextRunes          int `toml:"max_text_runes"`          // Upper bound for accepted page text
	OutlineTimeoutSeconds int `toml:"outline_timeout_seconds"` // Per-attempt budget for outline calls
	TextTimeoutSeconds    int `toml:"text_timeout_seconds"`    // Per-attempt budget for page text calls
	ImageTimeoutSeconds   int `toml:"image_timeout_seconds"`   // Per-attempt budget for illustration calls
	BaseRetryDelayMs      int `toml:"base_retry_delay_ms"`
	MaxBackoffSeconds     int `toml:"max_backoff_seconds"`
}

// TimeoutFor returns the per-attempt timeout budget for a prompt kind
func (g GenerationConfig) TimeoutFor(kind models.PromptKind) time.Duration {
	switch kind {
	case models.KindOutline:
		return time.Duration(g.OutlineTimeoutSeconds) * time.Second
	case models.KindPageImage:
		return time.Duration(g.ImageTimeoutSeconds) * time.Second
	default:
		return time.Duration(g.TextTimeoutSeconds) * time.Second
	}
}

// BaseRetryDelay returns the first backoff step
func (g GenerationConfig) BaseRetryDelay() time.Duration {
	return time.Duration(g.BaseRetryDelayMs) * time.Millisecond
}

// MaxBackoff returns the cap applied to any single backoff sleep
func (g GenerationConfig) MaxBackoff() time.Duration {
	return time.Duration(g.MaxBackoffSeconds) * time.Second
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	Provider           string  `toml:"provider"` // gemini, gemini-image, openai, ideogram
	BaseURL            string  `toml:"base_url"` // Optional for gemini providers
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	MaxOutputTokens    int     `toml:"max_output_tokens"` // Text models only
	ImageSize          string  `toml:"image_size"`        // Image models only, e.g. "1:1" or "1024x1024"
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
}

// PromptTemplates holds all customizable prompt templates
type PromptTemplates struct {
	Outline      string `toml:"outline"`
	PageText     string `toml:"page_text"`
	PageImage    string `toml:"page_image"`
	SystemPrompt string `toml:"system_prompt"` // Optional system prompt for text models
}

// StorageConfig selects the artifact store backend
type StorageConfig struct {
	Backend         string `toml:"backend"` // filesystem or gcs
	Path            string `toml:"path"`    // Root directory for the filesystem backend
	Bucket          string `toml:"bucket"`  // GCS bucket for the gcs backend
	Prefix          string `toml:"prefix"`  // Object name prefix for the gcs backend
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr                string `toml:"addr"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
}

// JournalConfig holds paths for the terminal job journal and the JSON log file
type JournalConfig struct {
	Path    string `toml:"path"`
	LogFile string `toml:"log_file"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

const (
	// ModelText is the models key used for outline and page text
	ModelText = "text"
	// ModelImage is the models key used for illustrations
	ModelImage = "image"

	ProviderGemini      = "gemini"
	ProviderGeminiImage = "gemini-image"
	ProviderOpenAI      = "openai"
	ProviderIdeogram    = "ideogram"

	StorageFilesystem = "filesystem"
	StorageGCS        = "gcs"

	// HardMaxPages bounds max_pages regardless of configuration
	HardMaxPages = 64
	// MaxInFlightJobsLimit bounds max_in_flight_jobs
	MaxInFlightJobsLimit = 1024
	// MaxRetriesLimit bounds max_retries
	MaxRetriesLimit = 10
)

var (
	textProviders  = []string{ProviderGemini, ProviderOpenAI}
	imageProviders = []string{ProviderGeminiImage, ProviderIdeogram}
)

// ModelFor returns the model configuration serving a prompt kind
func (c *Config) ModelFor(kind models.PromptKind) ModelConfig {
	if kind == models.KindPageImage {
		return c.Models[ModelImage]
	}
	return c.Models[ModelText]
}

// ThemeDescription returns the catalog description of a theme key, matched case-insensitively
func (c *Config) ThemeDescription(theme string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(theme))
	if key == "" {
		return "", false
	}
	for name, desc := range c.Themes {
		if strings.ToLower(name) == key {
			return desc, true
		}
	}
	return "", false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	g := c.Generation
	if g.MinPages < 1 {
		return fmt.Errorf("generation.min_pages must be at least 1")
	}
	if g.MaxPages < g.MinPages {
		return fmt.Errorf("generation.max_pages (%d) must not be less than min_pages (%d)", g.MaxPages, g.MinPages)
	}
	if g.MaxPages > HardMaxPages {
		return fmt.Errorf("generation.max_pages must not exceed %d (got %d)", HardMaxPages, g.MaxPages)
	}
	if g.DefaultPages < g.MinPages || g.DefaultPages > g.MaxPages {
		return fmt.Errorf("generation.default_pages must be between %d and %d (got %d)", g.MinPages, g.MaxPages, g.DefaultPages)
	}
	if g.MaxRetries < 0 || g.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("generation.max_retries must be between 0 and %d (got %d)", MaxRetriesLimit, g.MaxRetries)
	}
	if g.MaxInFlightPages < 1 {
		return fmt.Errorf("generation.max_in_flight_pages must be at least 1")
	}
	if g.MaxInFlightJobs < 1 || g.MaxInFlightJobs > MaxInFlightJobsLimit {
		return fmt.Errorf("generation.max_in_flight_jobs must be between 1 and %d (got %d)", MaxInFlightJobsLimit, g.MaxInFlightJobs)
	}
	if g.MaxTextRunes < 1 {
		return fmt.Errorf("generation.max_text_runes must be at least 1")
	}
	if g.OutlineTimeoutSeconds < 1 || g.TextTimeoutSeconds < 1 || g.ImageTimeoutSeconds < 1 {
		return fmt.Errorf("generation timeouts must be at least 1 second")
	}
	if g.ImageTimeoutSeconds < g.TextTimeoutSeconds {
		fmt.Fprintf(os.Stderr, "WARNING: generation.image_timeout_seconds (%d) is shorter than text_timeout_seconds (%d)\n",
			g.ImageTimeoutSeconds, g.TextTimeoutSeconds)
	}
	if g.BaseRetryDelayMs < 0 {
		return fmt.Errorf("generation.base_retry_delay_ms must not be negative")
	}
	if g.MaxBackoffSeconds < 1 {
		return fmt.Errorf("generation.max_backoff_seconds must be at least 1")
	}

	textModel, ok := c.Models[ModelText]
	if !ok {
		return fmt.Errorf("models.text is required")
	}
	if err := validateModelConfig(ModelText, textModel, textProviders); err != nil {
		return err
	}
	imageModel, ok := c.Models[ModelImage]
	if !ok {
		return fmt.Errorf("models.image is required")
	}
	if err := validateModelConfig(ModelImage, imageModel, imageProviders); err != nil {
		return err
	}

	if len(c.Themes) == 0 {
		return fmt.Errorf("at least one theme is required")
	}

	if c.PromptTemplates.Outline == "" {
		return fmt.Errorf("prompt_templates.outline is required")
	}
	if c.PromptTemplates.PageText == "" {
		return fmt.Errorf("prompt_templates.page_text is required")
	}
	if c.PromptTemplates.PageImage == "" {
		return fmt.Errorf("prompt_templates.page_image is required")
	}

	switch c.Storage.Backend {
	case StorageFilesystem:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the filesystem backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: filesystem, gcs (got %s)", c.Storage.Backend)
	}
	if c.Storage.CacheTTLMinutes < 0 {
		return fmt.Errorf("storage.cache_ttl_minutes must not be negative")
	}

	return nil
}

func validateModelConfig(name string, mc ModelConfig, providers []string) error {
	valid := false
	for _, p := range providers {
		if mc.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("models.%s.provider must be one of: %s (got %q)", name, strings.Join(providers, ", "), mc.Provider)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if (mc.Provider == ProviderOpenAI || mc.Provider == ProviderIdeogram) && mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required for provider %s", name, mc.Provider)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.MaxOutputTokens < 0 {
		return fmt.Errorf("models.%s.max_output_tokens must not be negative", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// GOOGLE_API_KEY is accepted as a fallback, matching the genai SDK
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		secrets.APIKeys[ProviderGemini] = key
	} else if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		secrets.APIKeys[ProviderGemini] = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys[ProviderOpenAI] = key
	}
	if key := os.Getenv("IDEOGRAM_API_KEY"); key != "" {
		secrets.APIKeys[ProviderIdeogram] = key
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a provider name
func (s *Secrets) GetAPIKey(provider string) string {
	if s == nil {
		return ""
	}
	if provider == ProviderGeminiImage {
		provider = ProviderGemini
	}
	return s.APIKeys[provider]
}
