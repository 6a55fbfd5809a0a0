package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_BurstThenBlocked(t *testing.T) {
	l := New(1, 1)

	if !l.Allow("1.2.3.4") {
		t.Fatalf("expected first request to be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("expected second request to be blocked with burst exhausted")
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(100, 1)

	if !l.Allow("refill") {
		t.Fatalf("expected first request to be allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if !l.Allow("refill") {
		t.Fatalf("expected token to have refilled after 20ms at 100rps")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(1, 1)

	if !l.Allow("a") {
		t.Fatalf("a should be allowed")
	}
	if l.Allow("a") {
		t.Fatalf("a should now be blocked")
	}
	if !l.Allow("b") {
		t.Fatalf("b should be independently allowed")
	}
}

func TestLimiter_RemoveResetsBucket(t *testing.T) {
	l := New(1, 1)

	if !l.Allow("x") {
		t.Fatalf("first request should be allowed")
	}
	if l.Allow("x") {
		t.Fatalf("second request should be blocked")
	}
	l.Remove("x")
	if !l.Allow("x") {
		t.Fatalf("after Remove, a fresh bucket should allow again")
	}
}
