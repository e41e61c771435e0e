package ratelimit

import (
	"testing"
	"time"

	"github.com/openfeeds/marketgate/errs"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGovernor(limit int, window time.Duration) (*Governor, *fakeClock) {
	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	g := newGovernor(Config{Limit: limit, Window: window}, clock.Now, func() time.Duration { return 0 })
	return g, clock
}

func TestReserveWithinBudgetNoWait(t *testing.T) {
	g, _ := newTestGovernor(100, time.Minute)

	for i := 0; i < 10; i++ {
		wait, err := g.Reserve(10)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if wait != 0 {
			t.Fatalf("unexpected wait %v inside budget", wait)
		}
	}
	used, _ := g.Usage()
	if used != 100 {
		t.Fatalf("used = %d, want 100", used)
	}
}

func TestReserveBeyondLimitWaitsForWindow(t *testing.T) {
	g, clock := newTestGovernor(100, time.Minute)

	if _, err := g.Reserve(95); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clock.Advance(20 * time.Second)

	wait, err := g.Reserve(10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if wait < 40*time.Second {
		t.Fatalf("wait = %v, want at least remaining window (40s)", wait)
	}

	// After the mandated wait the usage reflects only the new window.
	used, _ := g.Usage()
	if used != 10 {
		t.Fatalf("used = %d, want 10 in the fresh window", used)
	}
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	g, clock := newTestGovernor(100, time.Minute)

	if _, err := g.Reserve(90); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clock.Advance(61 * time.Second)

	wait, err := g.Reserve(90)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if wait != 0 {
		t.Fatalf("wait = %v, want 0 after window expiry", wait)
	}
	used, _ := g.Usage()
	if used != 90 {
		t.Fatalf("used = %d, want 90", used)
	}
}

func TestRateLimitedBackoffAppliesOnce(t *testing.T) {
	g, _ := newTestGovernor(100, time.Minute)

	backoff := g.ReportRateLimited(30 * time.Second)
	if backoff < 30*time.Second {
		t.Fatalf("backoff = %v, want at least retry-after", backoff)
	}

	wait, err := g.Reserve(1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if wait < 30*time.Second {
		t.Fatalf("wait = %v, want backoff absorbed into reservation", wait)
	}

	// Backoff is consumed; an immediate follow-up reservation is free.
	wait, err = g.Reserve(1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if wait >= 30*time.Second {
		t.Fatalf("wait = %v, backoff should not apply twice", wait)
	}
}

func TestBanIsFatalAndSticky(t *testing.T) {
	g, _ := newTestGovernor(100, time.Minute)

	banErr := g.ReportBanned(418, "banned until 1700000999000")
	if !errs.IsFatal(banErr) {
		t.Fatal("ban error must be fatal")
	}

	for i := 0; i < 3; i++ {
		if _, err := g.Reserve(1); !errs.IsFatal(err) {
			t.Fatalf("Reserve after ban must stay fatal, got %v", err)
		}
	}
}

func TestReserveRejectsNonPositiveWeight(t *testing.T) {
	g, _ := newTestGovernor(100, time.Minute)
	if _, err := g.Reserve(0); err == nil {
		t.Fatal("expected error for zero weight")
	}
}
