package gateway

import (
	"context"
	"testing"
)

func TestRateLimiterPool_SharesLimiters(t *testing.T) {
	pool := NewRateLimiterPool(testLogger())

	a := pool.GetOrCreate("gemini:flash", 60)
	b := pool.GetOrCreate("gemini:flash", 120)
	if a != b {
		t.Error("Expected the same limiter for the same key")
	}
	c := pool.GetOrCreate("ideogram:v3", 60)
	if a == c {
		t.Error("Expected distinct limiters for distinct keys")
	}
	if pool.Len() != 2 {
		t.Errorf("Expected 2 limiters, got %d", pool.Len())
	}
	if a.Burst() != 12 {
		t.Errorf("Expected burst of 12 for 60 rpm, got %d", a.Burst())
	}
	if slow := pool.GetOrCreate("ideogram:slow", 10); slow.Burst() != 5 {
		t.Errorf("Expected minimum burst of 5 for 10 rpm, got %d", slow.Burst())
	}
	if big := pool.GetOrCreate("openai:big", 600); big.Burst() != 120 {
		t.Errorf("Expected burst of 120 for 600 rpm, got %d", big.Burst())
	}
}

func TestRateLimiterPool_WaitHonoursContext(t *testing.T) {
	pool := NewRateLimiterPool(testLogger())

	if err := pool.Wait(context.Background(), "k", 60); err != nil {
		t.Fatalf("Expected first wait to succeed, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pool.Wait(ctx, "k", 60); err == nil {
		t.Error("Expected wait on a cancelled context to fail")
	}
}
