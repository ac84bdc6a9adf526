package config

import (
	"fmt"
	"net/url"

	"github.com/lamim/storyforge/internal/util"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxTemplateSize is the maximum allowed size for template content
	MaxTemplateSize = 50 * 1024 // 50KB

	// MaxThemeDescriptionLength is the maximum allowed length for a theme description
	MaxThemeDescriptionLength = 500
)

// ValidateInputs performs additional security validation on user-controllable fields.
func (c *Config) ValidateInputs() error {
	// Validate model configurations
	for name, mc := range c.Models {
		if err := validateModelName(mc.ModelName, name); err != nil {
			return err
		}

		if mc.BaseURL != "" {
			if err := validateBaseURL(mc.BaseURL, name); err != nil {
				return err
			}
		}
	}

	for theme, desc := range c.Themes {
		if len(desc) > MaxThemeDescriptionLength {
			return fmt.Errorf("theme '%s' description exceeds maximum length of %d (got %d)",
				theme, MaxThemeDescriptionLength, len(desc))
		}
		if util.ContainsControlChars(theme) || util.ContainsControlChars(desc) {
			return fmt.Errorf("theme '%s' contains invalid control characters", theme)
		}
	}

	// Validate template sizes
	if err := c.validateTemplateSizes(); err != nil {
		return err
	}

	return nil
}

// validateModelName checks model name for security issues
func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("model '%s' name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}

	if util.ContainsControlChars(modelName) {
		return fmt.Errorf("model '%s' name contains invalid control characters", configKey)
	}

	return nil
}

// validateBaseURL checks that the base URL is properly formatted and safe
func validateBaseURL(baseURL, configKey string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("model '%s' has invalid base_url: %w", configKey, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("model '%s' base_url must use http or https scheme (got %s)",
			configKey, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("model '%s' base_url must have a host", configKey)
	}

	return nil
}

// validateTemplateSizes checks that templates are within reasonable size limits
func (c *Config) validateTemplateSizes() error {
	templates := []struct {
		name  string
		value string
	}{
		{"outline", c.PromptTemplates.Outline},
		{"page_text", c.PromptTemplates.PageText},
		{"page_image", c.PromptTemplates.PageImage},
		{"system_prompt", c.PromptTemplates.SystemPrompt},
	}

	for _, tmpl := range templates {
		if len(tmpl.value) > MaxTemplateSize {
			return fmt.Errorf("template '%s' exceeds maximum size of %d bytes (got %d)",
				tmpl.name, MaxTemplateSize, len(tmpl.value))
		}
	}

	return nil
}
