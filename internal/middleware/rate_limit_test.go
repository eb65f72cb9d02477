package middleware

import (
	"testing"
	"time"
)

func TestRateLimiter_CapsAttemptsPerWindow(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("attempt over the limit should be rejected")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	current := time.Now()
	limiter := NewRateLimiter(2, time.Minute)
	limiter.now = func() time.Time { return current }

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.1")
	if limiter.Allow("10.0.0.1") {
		t.Fatal("expected third attempt rejected")
	}

	// Still inside the window.
	current = current.Add(30 * time.Second)
	if limiter.Allow("10.0.0.1") {
		t.Error("expected rejection mid-window")
	}

	// Window elapsed: the counter starts over.
	current = current.Add(31 * time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Error("expected fresh window after the period")
	}
}

func TestRateLimiter_SourcesAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)

	if !limiter.Allow("10.0.0.1") {
		t.Fatal("first source should be allowed")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("second source must have its own window")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("first source should now be over its limit")
	}
}
