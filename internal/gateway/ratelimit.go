package gateway

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per provider+model rate limiters shared by every job
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int // Track original rates for consistency check
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRateLimiterPool creates a new rate limiter pool
func NewRateLimiterPool(logger *slog.Logger) *RateLimiterPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
		logger:   logger,
	}
}

// GetOrCreate returns an existing rate limiter or creates a new one.
// If a limiter exists with a different rate, it logs a warning and keeps the existing one.
func (p *RateLimiterPool) GetOrCreate(key string, requestsPerMinute int) *rate.Limiter {
	p.mu.RLock()
	limiter, exists := p.limiters[key]
	existingRate := p.rates[key]
	p.mu.RUnlock()
	if exists {
		if existingRate != requestsPerMinute {
			p.logger.Warn("Rate limiter already exists with different rate, using existing rate",
				"limiter", key,
				"existing_rpm", existingRate,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if limiter, exists := p.limiters[key]; exists {
		return limiter
	}

	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	// Convert requests per minute to requests per second
	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5) // 20% burst capacity
	limiter = rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[key] = limiter
	p.rates[key] = requestsPerMinute

	p.logger.Debug("Created rate limiter",
		"limiter", key,
		"rpm", requestsPerMinute,
		"rps", rps,
		"burst", burst)

	return limiter
}

// Wait blocks until the rate limiter allows the next request
func (p *RateLimiterPool) Wait(ctx context.Context, key string, requestsPerMinute int) error {
	limiter := p.GetOrCreate(key, requestsPerMinute)
	return limiter.Wait(ctx)
}

// Len returns the number of limiters in the pool
func (p *RateLimiterPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.limiters)
}
