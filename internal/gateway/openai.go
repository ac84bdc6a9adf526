package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lamim/storyforge/pkg/models"
)

// maxResponseBytes bounds provider response bodies read into memory
const maxResponseBytes = 32 << 20

// OpenAIProvider generates text through an OpenAI-compatible chat completions endpoint
type OpenAIProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewOpenAIProvider creates a chat completions provider
func NewOpenAIProvider(httpClient *http.Client, baseURL, apiKey string, logger *slog.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate sends a single chat completion request
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Payload, error) {
	if req.Kind == models.KindPageImage {
		return nil, &ProviderError{Kind: KindInvalidInput, Message: "openai provider does not generate images"}
	}

	body := chatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		N:           1,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Kind == models.KindOutline {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	} else {
		p.logger.Warn("API request without key", "endpoint", endpoint)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, connectionError(err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			p.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, connectionError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			providerErr := statusError(httpResp.StatusCode, errResp.Error.Message)
			if errResp.Error.Code == "content_policy_violation" {
				providerErr.Kind = KindContentPolicy
				providerErr.Retryable = false
			}
			return nil, providerErr
		}
		return nil, statusError(httpResp.StatusCode, fmt.Sprintf("request failed: %s", truncateBody(respBody)))
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ProviderError{Kind: KindMalformedOutput, Message: fmt.Sprintf("failed to parse response: %v", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Kind: KindMalformedOutput, Message: "no choices returned in response"}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, &ProviderError{Kind: KindContentPolicy, Message: "completion stopped by content filter"}
	}

	mime := "text/plain"
	if req.Kind == models.KindOutline {
		mime = "application/json"
	}
	return &Payload{Text: choice.Message.Content, MIMEType: mime}, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
