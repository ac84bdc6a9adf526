package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lamim/storyforge/pkg/models"
)

// Provider is one concrete generative backend. Implementations perform a single
// attempt; retries, rate limiting and timeouts belong to the Client.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Payload, error)
}

// Request is the uniform call shape sent to every provider
type Request struct {
	Prompt      string
	System      string
	Kind        models.PromptKind
	Model       string
	MaxTokens   int
	MaxSize     string // Aspect ratio or pixel size hint for image kinds
	Temperature float64
	Timeout     time.Duration
}

// Payload is a raw provider response. Exactly one of Text or Image is meaningful
// depending on the prompt kind.
type Payload struct {
	Text     string
	Image    []byte
	MIMEType string
}

// ErrorKind classifies a provider failure
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindRateLimited     ErrorKind = "rate_limited"
	KindServerError     ErrorKind = "server_error"
	KindConnection      ErrorKind = "connection"
	KindInvalidInput    ErrorKind = "invalid_input"
	KindContentPolicy   ErrorKind = "content_policy"
	KindMalformedOutput ErrorKind = "malformed_output"
)

// ProviderError represents a single failed provider attempt
type ProviderError struct {
	Kind       ErrorKind
	Retryable  bool
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error %s: %s", e.Kind, e.Message)
}

// statusError classifies an HTTP status from a provider
func statusError(statusCode int, message string) *ProviderError {
	switch statusCode {
	case http.StatusTooManyRequests:
		return &ProviderError{Kind: KindRateLimited, Retryable: true, StatusCode: statusCode, Message: message}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &ProviderError{Kind: KindTimeout, Retryable: true, StatusCode: statusCode, Message: message}
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return &ProviderError{Kind: KindServerError, Retryable: true, StatusCode: statusCode, Message: message}
	case http.StatusUnavailableForLegalReasons:
		return &ProviderError{Kind: KindContentPolicy, StatusCode: statusCode, Message: message}
	}
	if statusCode >= 500 {
		return &ProviderError{Kind: KindServerError, Retryable: true, StatusCode: statusCode, Message: message}
	}
	return &ProviderError{Kind: KindInvalidInput, StatusCode: statusCode, Message: message}
}

func connectionError(err error) *ProviderError {
	return &ProviderError{
		Kind:      KindConnection,
		Retryable: true,
		Message:   fmt.Sprintf("request failed: %v", err),
	}
}
