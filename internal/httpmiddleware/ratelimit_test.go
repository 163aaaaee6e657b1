package httpmiddleware

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsBurstThenRefuses(t *testing.T) {
	l := NewRateLimiter(5)
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if !l.allow("1.2.3.4", now) {
			t.Fatalf("request %d refused inside capacity", i+1)
		}
	}
	if l.allow("1.2.3.4", now) {
		t.Fatal("request above capacity allowed")
	}
	// A different client has its own bucket.
	if !l.allow("5.6.7.8", now) {
		t.Fatal("unrelated client refused")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	l := NewRateLimiter(60)
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 60; i++ {
		l.allow("1.2.3.4", now)
	}
	if l.allow("1.2.3.4", now) {
		t.Fatal("exhausted bucket allowed a request")
	}
	// One second at 60/min refills one token.
	if !l.allow("1.2.3.4", now.Add(time.Second)) {
		t.Fatal("refilled token refused")
	}
	if l.allow("1.2.3.4", now.Add(time.Second)) {
		t.Fatal("second request after a one-token refill allowed")
	}
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	l := NewRateLimiter(10)
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	l.allow("1.2.3.4", now)
	l.allow("5.6.7.8", now)

	// Past the sweep interval, idle buckets are dropped.
	l.allow("9.9.9.9", now.Add(11*time.Minute))
	if len(l.buckets) != 1 {
		t.Fatalf("buckets after sweep = %d, want 1", len(l.buckets))
	}
}
