package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/genai"

	"github.com/lamim/storyforge/pkg/models"
)

// contentGenerator is the subset of *genai.Models used by GeminiProvider
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider calls Gemini models through the genai SDK. The image variant
// requests the IMAGE response modality and returns the first inline image part.
type GeminiProvider struct {
	name   string
	models contentGenerator
	image  bool
}

// NewGeminiProvider creates a Gemini text or image provider sharing httpClient
func NewGeminiProvider(ctx context.Context, apiKey string, httpClient *http.Client, image bool) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGeminiProvider(client.Models, image), nil
}

func newGeminiProvider(gen contentGenerator, image bool) *GeminiProvider {
	name := "gemini"
	if image {
		name = "gemini-image"
	}
	return &GeminiProvider{name: name, models: gen, image: image}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string { return p.name }

// Generate performs a single GenerateContent call
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Payload, error) {
	if p.image != (req.Kind == models.KindPageImage) {
		return nil, &ProviderError{Kind: KindInvalidInput, Message: fmt.Sprintf("%s cannot serve %s prompts", p.name, req.Kind)}
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if p.image {
		cfg.ResponseModalities = []string{"IMAGE", "TEXT"}
	} else {
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
		if req.Kind == models.KindOutline {
			cfg.ResponseMIMEType = "application/json"
		}
	}

	resp, err := p.models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if resp == nil {
		return nil, &ProviderError{Kind: KindMalformedOutput, Message: "empty response"}
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		return nil, &ProviderError{Kind: KindContentPolicy, Message: fmt.Sprintf("prompt blocked: %s", fb.BlockReason)}
	}
	if len(resp.Candidates) == 0 {
		return nil, &ProviderError{Kind: KindMalformedOutput, Message: "no candidates returned in response"}
	}

	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		return nil, &ProviderError{Kind: KindContentPolicy, Message: fmt.Sprintf("generation stopped: %s", candidate.FinishReason)}
	}

	if p.image {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
					return &Payload{Image: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
				}
			}
		}
		// No image part; an empty image is rejected downstream and retried
		return &Payload{Text: resp.Text()}, nil
	}

	mime := "text/plain"
	if req.Kind == models.KindOutline {
		mime = "application/json"
	}
	return &Payload{Text: resp.Text(), MIMEType: mime}, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		providerErr := statusError(apiErr.Code, apiErr.Message)
		if apiErr.Status == "RESOURCE_EXHAUSTED" {
			providerErr.Kind = KindRateLimited
			providerErr.Retryable = true
		}
		return providerErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return connectionError(err)
	}
	return &ProviderError{Kind: KindServerError, Retryable: true, Message: err.Error()}
}
