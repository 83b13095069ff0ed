package provider

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	if b.Failure() || b.Failure() {
		t.Fatal("breaker opened before the threshold")
	}
	if !b.Allow() {
		t.Fatal("closed breaker refused a call")
	}
	if !b.Failure() {
		t.Fatal("threshold failure did not report the open edge")
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call inside the cooldown")
	}
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	// The run restarts; two more failures must not open it.
	if b.Failure() || b.Failure() {
		t.Fatal("breaker opened despite an intervening success")
	}
	if b.Open() {
		t.Fatal("breaker open after reset")
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.Failure()
	if b.Allow() {
		t.Fatal("open breaker admitted a call")
	}
	time.Sleep(15 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker refused the half-open probe")
	}
	// The probe pushed the window; concurrent callers stay refused.
	if b.Allow() {
		t.Fatal("breaker admitted a second call while the probe is out")
	}

	b.Success()
	if !b.Allow() {
		t.Fatal("breaker still refusing after a successful probe")
	}
	if b.Open() {
		t.Fatal("breaker reports open after a successful probe")
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.Failure()
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker refused the half-open probe")
	}
	b.Failure()
	if b.Allow() {
		t.Fatal("breaker admitted a call right after a failed probe")
	}
}
