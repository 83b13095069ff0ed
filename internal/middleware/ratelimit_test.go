package middleware

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	l := NewInMemoryRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d refused under the limit", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request allowed over the limit")
	}
	// Other keys have their own window.
	if !l.Allow("10.0.0.2") {
		t.Fatal("separate key refused")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	l := NewInMemoryRateLimiter(1, 20*time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("first request refused")
	}
	if l.Allow("k") {
		t.Fatal("second request allowed inside the window")
	}
	time.Sleep(25 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("request refused after the window expired")
	}
}
