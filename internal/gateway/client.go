// Package gateway is the single exit point for AI provider calls. It applies
// rate limiting, per-attempt timeouts and retry with backoff uniformly across
// providers, and classifies every failure as permanent, exhausted or cancelled.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/lamim/storyforge/internal/config"
	"github.com/lamim/storyforge/internal/metrics"
	"github.com/lamim/storyforge/internal/prompt"
	"github.com/lamim/storyforge/pkg/models"
)

const (
	// DefaultHTTPTimeout bounds a single HTTP exchange; per-attempt contexts are normally shorter
	DefaultHTTPTimeout = 10 * time.Minute
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// DefaultMaxBackoff caps a single backoff sleep
	DefaultMaxBackoff = 60 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// Profile selects the provider, model and limits for one prompt kind
type Profile struct {
	Provider           string
	Model              string
	MaxTokens          int
	MaxSize            string
	Temperature        float64
	Timeout            time.Duration
	RateLimitPerMinute int
}

// ProfileFor maps a prompt kind to its configured model
func ProfileFor(cfg *config.Config, kind models.PromptKind) Profile {
	mc := cfg.ModelFor(kind)
	return Profile{
		Provider:           mc.Provider,
		Model:              mc.ModelName,
		MaxTokens:          mc.MaxOutputTokens,
		MaxSize:            mc.ImageSize,
		Temperature:        mc.Temperature,
		Timeout:            cfg.Generation.TimeoutFor(kind),
		RateLimitPerMinute: mc.RateLimitPerMinute,
	}
}

// Result is a successful dispatch
type Result struct {
	Kind     models.PromptKind
	Text     string
	Image    []byte
	MIMEType string
	Provider string
	Model    string
	Latency  time.Duration
	Attempts int
}

// Options tunes the retry behaviour of a Client
type Options struct {
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxBackoff     time.Duration
	Metrics        *metrics.Collector
}

// OptionsFromConfig derives client options from the generation settings
func OptionsFromConfig(cfg *config.Config, collector *metrics.Collector) Options {
	return Options{
		MaxRetries:     cfg.Generation.MaxRetries,
		BaseRetryDelay: cfg.Generation.BaseRetryDelay(),
		MaxBackoff:     cfg.Generation.MaxBackoff(),
		Metrics:        collector,
	}
}

// Client dispatches prompts to providers
type Client struct {
	providers       map[string]Provider
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
	metrics         *metrics.Collector
	maxRetries      int
	baseRetryDelay  time.Duration
	maxBackoff      time.Duration
}

// New creates a gateway client. The pool is shared with any other client that
// targets the same providers.
func New(logger *slog.Logger, pool *RateLimiterPool, providers map[string]Provider, opts Options) *Client {
	if pool == nil {
		pool = NewRateLimiterPool(logger)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseRetryDelay < 0 {
		opts.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Client{
		providers:       providers,
		rateLimiterPool: pool,
		logger:          logger,
		metrics:         opts.Metrics,
		maxRetries:      opts.MaxRetries,
		baseRetryDelay:  opts.BaseRetryDelay,
		maxBackoff:      opts.MaxBackoff,
	}
}

// NewHTTPClient returns the shared HTTP client used by HTTP providers
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	return &http.Client{
		Timeout:   DefaultHTTPTimeout,
		Transport: transport,
	}
}

// Dispatch sends one prompt through its provider, retrying transient failures
func (c *Client) Dispatch(ctx context.Context, p prompt.Prompt, profile Profile) (*Result, error) {
	start := time.Now()
	logger := c.logger.With("prompt_id", p.ID, "kind", p.Kind, "provider", profile.Provider, "model", profile.Model)

	fail := func(class Class, attempts int, err error) (*Result, error) {
		dispatchErr := &Error{Class: class, PromptID: p.ID, Provider: profile.Provider, Attempts: attempts, Err: err}
		c.metrics.RecordGatewayCall(profile.Provider, string(p.Kind), time.Since(start), string(class))
		if class == ClassCancelled {
			logger.Debug("Dispatch cancelled", "attempts", attempts)
		} else {
			logger.Warn("Dispatch failed", "class", class, "attempts", attempts, "error", err)
		}
		return nil, dispatchErr
	}

	if !p.Dispatchable() {
		return fail(ClassPermanent, 0, &ProviderError{
			Kind:    KindInvalidInput,
			Message: fmt.Sprintf("prompt depends on unresolved %s", p.DependsOn),
		})
	}
	provider, ok := c.providers[profile.Provider]
	if !ok {
		return fail(ClassPermanent, 0, &ProviderError{
			Kind:    KindInvalidInput,
			Message: fmt.Sprintf("no provider registered as %q", profile.Provider),
		})
	}

	req := Request{
		Prompt:      p.Text,
		System:      p.System,
		Kind:        p.Kind,
		Model:       profile.Model,
		MaxTokens:   profile.MaxTokens,
		MaxSize:     profile.MaxSize,
		Temperature: profile.Temperature,
		Timeout:     profile.Timeout,
	}
	limiterKey := profile.Provider + ":" + profile.Model

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			sleepDuration := c.backoff(attempt, lastErr)

			logger.Warn("Retrying provider request",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff", sleepDuration,
				"is_rate_limit", isRateLimit(lastErr),
				"error", lastErr)
			c.metrics.RecordRetry(profile.Provider, string(p.Kind))

			select {
			case <-ctx.Done():
				return fail(ClassCancelled, attempts, ctx.Err())
			case <-time.After(sleepDuration):
			}
		}

		if ctx.Err() != nil {
			return fail(ClassCancelled, attempts, ctx.Err())
		}

		waitStart := time.Now()
		if err := c.rateLimiterPool.Wait(ctx, limiterKey, profile.RateLimitPerMinute); err != nil {
			if ctx.Err() != nil {
				return fail(ClassCancelled, attempts, ctx.Err())
			}
			return fail(ClassPermanent, attempts, fmt.Errorf("rate limiter wait failed: %w", err))
		}
		c.metrics.RecordRateLimiterWait(profile.Provider, time.Since(waitStart))

		attempts++
		payload, err := c.attempt(ctx, provider, req)
		if err == nil {
			result := &Result{
				Kind:     p.Kind,
				Text:     payload.Text,
				Image:    payload.Image,
				MIMEType: payload.MIMEType,
				Provider: profile.Provider,
				Model:    profile.Model,
				Latency:  time.Since(start),
				Attempts: attempts,
			}
			c.metrics.RecordGatewayCall(profile.Provider, string(p.Kind), result.Latency, "success")
			logger.Debug("Dispatch succeeded",
				"attempts", attempts,
				"latency", result.Latency,
				"text_len", len(result.Text),
				"image_bytes", len(result.Image))
			return result, nil
		}

		if ctx.Err() != nil {
			return fail(ClassCancelled, attempts, ctx.Err())
		}

		lastErr = err
		if !isRetryable(err) {
			return fail(ClassPermanent, attempts, err)
		}
	}

	return fail(ClassExhausted, attempts, lastErr)
}

// attempt runs one provider call under its own deadline
func (c *Client) attempt(ctx context.Context, provider Provider, req Request) (*Payload, error) {
	attemptCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	payload, err := provider.Generate(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &ProviderError{
				Kind:      KindTimeout,
				Retryable: true,
				Message:   fmt.Sprintf("no response within %s", req.Timeout),
			}
		}
		return nil, err
	}
	if payload == nil {
		return nil, &ProviderError{Kind: KindMalformedOutput, Message: "provider returned no payload"}
	}
	return payload, nil
}

func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay

	// For rate limit errors, use longer delays (3^n)
	if isRateLimit(lastErr) {
		backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}

	jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1))
	return backoff + jitter
}

func isRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}
	return false
}

func isRateLimit(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind == KindRateLimited
	}
	return false
}
