package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lamim/storyforge/pkg/models"
)

func validConfig() Config {
	cfg := Default()
	return *cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "min pages below one",
			mutate:  func(c *Config) { c.Generation.MinPages = 0 },
			wantErr: true,
		},
		{
			name:    "max pages below min pages",
			mutate: func(c *Config) {
				c.Generation.MinPages = 5
				c.Generation.MaxPages = 4
			},
			wantErr: true,
		},
		{
			name:    "max pages above hard limit",
			mutate:  func(c *Config) { c.Generation.MaxPages = HardMaxPages + 1 },
			wantErr: true,
		},
		{
			name:    "default pages out of range",
			mutate:  func(c *Config) { c.Generation.DefaultPages = 100 },
			wantErr: true,
		},
		{
			name:    "too many retries",
			mutate:  func(c *Config) { c.Generation.MaxRetries = MaxRetriesLimit + 1 },
			wantErr: true,
		},
		{
			name:    "zero in-flight pages",
			mutate:  func(c *Config) { c.Generation.MaxInFlightPages = 0 },
			wantErr: true,
		},
		{
			name:    "zero in-flight jobs",
			mutate:  func(c *Config) { c.Generation.MaxInFlightJobs = 0 },
			wantErr: true,
		},
		{
			name: "text model with image provider",
			mutate: func(c *Config) {
				c.Models[ModelText] = ModelConfig{Provider: ProviderIdeogram, ModelName: "V_3", BaseURL: "https://api.ideogram.ai", RateLimitPerMinute: 10}
			},
			wantErr: true,
		},
		{
			name: "openai provider without base url",
			mutate: func(c *Config) {
				c.Models[ModelText] = ModelConfig{Provider: ProviderOpenAI, ModelName: "gpt-4o-mini", RateLimitPerMinute: 10}
			},
			wantErr: true,
		},
		{
			name:    "missing image model",
			mutate:  func(c *Config) { delete(c.Models, ModelImage) },
			wantErr: true,
		},
		{
			name:    "no themes",
			mutate:  func(c *Config) { c.Themes = nil },
			wantErr: true,
		},
		{
			name:    "gcs without bucket",
			mutate:  func(c *Config) { c.Storage.Backend = StorageGCS },
			wantErr: true,
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			// Copy the models map so cases stay independent
			cfg.Models = map[string]ModelConfig{
				ModelText:  cfg.Models[ModelText],
				ModelImage: cfg.Models[ModelImage],
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[generation]
max_pages = 12
max_retries = 2
max_in_flight_pages = 3
image_timeout_seconds = 240

[models.text]
provider = "openai"
base_url = "https://api.example.com/v1"
model_name = "story-model"
rate_limit_per_minute = 30

[models.image]
provider = "ideogram"
base_url = "https://api.ideogram.ai"
model_name = "V_3"

[themes]
space = "rockets and stars"

[storage]
path = "/tmp/artifacts"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("IDEOGRAM_API_KEY", "ideo-key")

	cfg, secrets, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Generation.MaxPages != 12 {
		t.Errorf("Expected max_pages 12, got %d", cfg.Generation.MaxPages)
	}
	if cfg.Generation.MaxRetries != 2 {
		t.Errorf("Expected max_retries 2, got %d", cfg.Generation.MaxRetries)
	}
	if cfg.Generation.DefaultPages != 6 {
		t.Errorf("Expected default_pages default 6, got %d", cfg.Generation.DefaultPages)
	}
	if got := cfg.Generation.TimeoutFor(models.KindPageImage); got != 240*time.Second {
		t.Errorf("Expected image timeout 240s, got %v", got)
	}
	if got := cfg.Generation.TimeoutFor(models.KindPageText); got != 60*time.Second {
		t.Errorf("Expected text timeout 60s, got %v", got)
	}
	if cfg.Models[ModelImage].ImageSize != "1:1" {
		t.Errorf("Expected default image size 1:1, got %q", cfg.Models[ModelImage].ImageSize)
	}
	if cfg.Models[ModelImage].RateLimitPerMinute != 60 {
		t.Errorf("Expected default image rate 60, got %d", cfg.Models[ModelImage].RateLimitPerMinute)
	}
	if len(cfg.Themes) != 1 {
		t.Errorf("Expected configured themes to replace defaults, got %v", cfg.Themes)
	}
	if cfg.PromptTemplates.Outline == "" || cfg.PromptTemplates.PageImage == "" {
		t.Error("Expected default templates to be applied")
	}
	if secrets.GetAPIKey(ProviderIdeogram) != "ideo-key" {
		t.Errorf("Expected ideogram key from environment, got %q", secrets.GetAPIKey(ProviderIdeogram))
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[generation]\nmin_pages = 10\nmax_pages = 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatal("Expected error for min_pages > max_pages")
	}

	if _, _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestMaxRetriesDisabled(t *testing.T) {
	cfg, err := Parse([]byte("[generation]\nmax_retries = -1\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Generation.MaxRetries != 0 {
		t.Errorf("Expected max_retries -1 to disable retries, got %d", cfg.Generation.MaxRetries)
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "google-key")
	t.Setenv("OPENAI_API_KEY", "openai-key")

	secrets, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets() error = %v", err)
	}

	tests := []struct {
		provider string
		want     string
	}{
		{ProviderGemini, "google-key"},
		{ProviderGeminiImage, "google-key"},
		{ProviderOpenAI, "openai-key"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			if got := secrets.GetAPIKey(tt.provider); got != tt.want {
				t.Errorf("GetAPIKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThemeDescription(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.ThemeDescription(" Space "); !ok {
		t.Error("Expected case-insensitive theme match")
	}
	if _, ok := cfg.ThemeDescription("volcanoes"); ok {
		t.Error("Expected unknown theme to be rejected")
	}
	if _, ok := cfg.ThemeDescription(""); ok {
		t.Error("Expected empty theme to be rejected")
	}
}

func TestValidateInputs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad scheme", func(c *Config) {
			m := c.Models[ModelText]
			m.BaseURL = "ftp://example.com"
			c.Models[ModelText] = m
		}, true},
		{"control chars in theme", func(c *Config) { c.Themes["bad\x00"] = "x" }, true},
		{"oversized template", func(c *Config) { c.PromptTemplates.Outline = string(make([]byte, MaxTemplateSize+1)) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.ValidateInputs()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInputs() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
