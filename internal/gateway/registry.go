package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lamim/storyforge/internal/config"
)

// BuildProviders creates one provider per provider name referenced by the model slots
func BuildProviders(ctx context.Context, cfg *config.Config, secrets *config.Secrets, httpClient *http.Client, logger *slog.Logger) (map[string]Provider, error) {
	providers := make(map[string]Provider)

	for _, slot := range []string{config.ModelText, config.ModelImage} {
		mc, ok := cfg.Models[slot]
		if !ok {
			return nil, fmt.Errorf("models.%s is not configured", slot)
		}
		if _, exists := providers[mc.Provider]; exists {
			continue
		}

		apiKey := secrets.GetAPIKey(mc.Provider)
		var (
			provider Provider
			err      error
		)
		switch mc.Provider {
		case config.ProviderGemini, config.ProviderGeminiImage:
			if apiKey == "" {
				return nil, fmt.Errorf("GEMINI_API_KEY is required for provider %s", mc.Provider)
			}
			provider, err = NewGeminiProvider(ctx, apiKey, httpClient, mc.Provider == config.ProviderGeminiImage)
		case config.ProviderOpenAI:
			provider = NewOpenAIProvider(httpClient, mc.BaseURL, apiKey, logger)
		case config.ProviderIdeogram:
			if apiKey == "" {
				return nil, fmt.Errorf("IDEOGRAM_API_KEY is required for provider %s", mc.Provider)
			}
			provider = NewIdeogramProvider(httpClient, mc.BaseURL, apiKey, logger)
		default:
			return nil, fmt.Errorf("unknown provider %q for models.%s", mc.Provider, slot)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", mc.Provider, err)
		}

		logger.Info("Registered provider", "slot", slot, "provider", mc.Provider, "model", mc.ModelName)
		providers[mc.Provider] = provider
	}

	return providers, nil
}
