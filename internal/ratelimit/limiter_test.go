package ratelimit

import (
	"testing"
	"time"
)

func TestBucket_Allow(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	// Should allow burst size requests
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}

	// Next request should be denied
	if bucket.Allow() {
		t.Error("request after burst should be denied")
	}
}

func TestBucket_Refill(t *testing.T) {
	config := Config{
		RequestsPerSecond: 100, // Fast refill for test
		BurstSize:         2,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	// Exhaust tokens
	bucket.Allow()
	bucket.Allow()

	if bucket.Allow() {
		t.Error("should be denied after exhausting tokens")
	}

	// Wait for refill
	time.Sleep(50 * time.Millisecond)

	// Should have some tokens back
	if !bucket.Allow() {
		t.Error("should be allowed after refill")
	}
}

func TestBucket_Tokens(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	initial := bucket.Tokens()
	if initial != 5 {
		t.Errorf("initial tokens = %f, want 5", initial)
	}

	bucket.Allow()
	after := bucket.Tokens()
	if after >= initial {
		t.Error("tokens should decrease after Allow()")
	}
}

func TestBucket_WaitTime(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         1,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	// No wait initially
	if bucket.WaitTime() != 0 {
		t.Error("should not wait when tokens available")
	}

	// Exhaust tokens
	bucket.Allow()

	// Should need to wait
	wait := bucket.WaitTime()
	if wait <= 0 {
		t.Error("should need to wait when no tokens")
	}
}

func TestBucket_AllowN(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	// Should allow 3 of 5
	if !bucket.AllowN(3) {
		t.Error("should allow 3 requests")
	}

	// Should allow 2 more
	if !bucket.AllowN(2) {
		t.Error("should allow 2 more requests")
	}

	// Should deny 1
	if bucket.AllowN(1) {
		t.Error("should deny when no tokens left")
	}
}

func TestBucket_ZeroConfig_UsesDefaults(t *testing.T) {
	// Create bucket with all-zero config; NewBucket should apply defaults
	config := Config{
		RequestsPerSecond: 0,
		BurstSize:         0,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	// With defaults (RPS=10, BurstSize=20), Allow() should work
	if !bucket.Allow() {
		t.Error("Allow() should succeed on a zero-config bucket with defaults applied")
	}

	// Tokens should be a positive default, not zero
	tokens := bucket.Tokens()
	if tokens <= 0 {
		t.Errorf("expected positive default tokens after one Allow(), got %f", tokens)
	}

	// The default burst should be RPS*2 = 20 when BurstSize<=0 and RPS defaults to 10
	// After one Allow() call, we should have roughly 19 tokens (minus timing jitter)
	if tokens < 15 || tokens > 20 {
		t.Errorf("expected tokens in range [15,20] with default burst of 20, got %f", tokens)
	}

	// AllowN should also work
	if !bucket.AllowN(5) {
		t.Error("AllowN(5) should succeed with default burst")
	}

	// WaitTime on a bucket with available tokens should be zero
	if bucket.WaitTime() != 0 {
		t.Error("WaitTime should be 0 while tokens remain")
	}
}
