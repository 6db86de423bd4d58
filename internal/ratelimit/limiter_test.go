package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests drive the lazy refill deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rate int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(rate)
	l.now = clock.now
	return l, clock
}

func TestTryAcquireBurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(10)

	for i := 0; i < 10; i++ {
		if !l.TryAcquire("dev-1") {
			t.Fatalf("acquire %d should succeed within burst capacity", i)
		}
	}
	if l.TryAcquire("dev-1") {
		t.Error("acquire past capacity should be denied")
	}
}

func TestTryAcquireRefill(t *testing.T) {
	l, clock := newTestLimiter(10)

	for i := 0; i < 10; i++ {
		l.TryAcquire("dev-1")
	}
	if l.TryAcquire("dev-1") {
		t.Fatal("bucket should be empty")
	}

	// One refill interval restores at least one token.
	clock.advance(100 * time.Millisecond)
	if !l.TryAcquire("dev-1") {
		t.Error("acquire after refill interval should succeed")
	}
	if l.TryAcquire("dev-1") {
		t.Error("only one token should have refilled")
	}
}

func TestRefillCapsAtCapacity(t *testing.T) {
	l, clock := newTestLimiter(5)

	l.TryAcquire("dev-1")
	clock.advance(time.Hour)

	// A long idle period refills to capacity, not beyond.
	for i := 0; i < 5; i++ {
		if !l.TryAcquire("dev-1") {
			t.Fatalf("acquire %d should succeed after long idle", i)
		}
	}
	if l.TryAcquire("dev-1") {
		t.Error("refill must cap at capacity")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(2)

	l.TryAcquire("dev-1")
	l.TryAcquire("dev-1")
	if l.TryAcquire("dev-1") {
		t.Fatal("dev-1 should be exhausted")
	}
	if !l.TryAcquire("dev-2") {
		t.Error("dev-2 has its own bucket")
	}
}

func TestEmptyClientIDDenied(t *testing.T) {
	l, _ := newTestLimiter(10)
	if l.TryAcquire("") {
		t.Error("empty client id must be denied")
	}
}

func TestZeroRateDeniesAll(t *testing.T) {
	l, _ := newTestLimiter(0)
	if l.TryAcquire("dev-1") {
		t.Error("zero rate must deny everything")
	}
}

func TestRemove(t *testing.T) {
	l, _ := newTestLimiter(1)

	l.TryAcquire("dev-1")
	if l.TryAcquire("dev-1") {
		t.Fatal("dev-1 should be exhausted")
	}

	l.Remove("dev-1")
	if l.Size() != 0 {
		t.Errorf("expected no buckets after Remove, got %d", l.Size())
	}

	// A removed client starts over with a full bucket.
	if !l.TryAcquire("dev-1") {
		t.Error("fresh bucket after Remove should grant a token")
	}
}
