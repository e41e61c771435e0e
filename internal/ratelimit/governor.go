// Package ratelimit governs the shared REST request-weight budget.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/openfeeds/marketgate/errs"
)

const (
	defaultWindow  = time.Minute
	defaultLimit   = 1200
	maxJitter      = 5 * time.Second
	retryBuffer    = 2 * time.Second
	minReserveWait = 0
)

// Config sizes the rolling request-weight window.
type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) normalize() Config {
	if c.Limit <= 0 {
		c.Limit = defaultLimit
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	return c
}

// Governor tracks a process-wide request-weight budget and enforces
// wait/backoff before REST calls. All streams share one instance.
type Governor struct {
	cfg    Config
	clock  func() time.Time
	jitter func() time.Duration

	mu           sync.Mutex
	weightUsed   int
	windowStart  time.Time
	backoffUntil time.Time
	banned       *errs.E
}

// NewGovernor constructs a governor with the provided budget configuration.
func NewGovernor(cfg Config) *Governor {
	return newGovernor(cfg, time.Now, func() time.Duration {
		return time.Duration(rand.Int63n(int64(maxJitter)))
	})
}

func newGovernor(cfg Config, clock func() time.Time, jitter func() time.Duration) *Governor {
	if clock == nil {
		clock = time.Now
	}
	if jitter == nil {
		jitter = func() time.Duration { return 0 }
	}
	g := new(Governor)
	g.cfg = cfg.normalize()
	g.clock = clock
	g.jitter = jitter
	g.windowStart = clock()
	return g
}

// Reserve books the given weight against the current window. The returned
// duration is a mandatory wait the caller must observe before issuing the
// request; zero means the request may proceed immediately. A fatal error is
// returned once the exchange has banned the process.
func (g *Governor) Reserve(weight int) (time.Duration, error) {
	if weight <= 0 {
		return minReserveWait, errs.New("", errs.CodeInvalid, errs.WithMessage("reserve weight must be positive"))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.banned != nil {
		return 0, g.banned
	}

	now := g.clock()
	wait := time.Duration(0)

	if until := g.backoffUntil; until.After(now) {
		wait = until.Sub(now)
		now = until
		g.backoffUntil = time.Time{}
		g.resetWindowLocked(now)
	}

	if now.Sub(g.windowStart) >= g.cfg.Window {
		g.resetWindowLocked(now)
	}

	if g.weightUsed+weight > g.cfg.Limit {
		remaining := g.cfg.Window - now.Sub(g.windowStart)
		if remaining < 0 {
			remaining = 0
		}
		wait += remaining
		g.resetWindowLocked(now.Add(remaining))
	}

	g.weightUsed += weight
	return wait, nil
}

// Wait reserves weight and blocks for any mandated delay, honouring ctx.
func (g *Governor) Wait(ctx context.Context, weight int) error {
	wait, err := g.Reserve(weight)
	if err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReportRateLimited registers a 429-class response. The governor arms a
// backoff of retryAfter plus jitter plus a fixed buffer and resets its
// window; the next Reserve call absorbs the full delay.
func (g *Governor) ReportRateLimited(retryAfter time.Duration) time.Duration {
	if retryAfter < 0 {
		retryAfter = 0
	}
	backoff := retryAfter + g.jitter() + retryBuffer

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	until := now.Add(backoff)
	if until.After(g.backoffUntil) {
		g.backoffUntil = until
	}
	g.resetWindowLocked(now)
	return backoff
}

// ReportBanned registers an irrecoverable ban-class response. Every
// subsequent Reserve fails with a fatal error until the process restarts.
func (g *Governor) ReportBanned(httpStatus int, rawMsg string) error {
	banErr := errs.New("", errs.CodeBanned,
		errs.WithHTTP(httpStatus),
		errs.WithRawMessage(rawMsg),
		errs.WithMessage("exchange issued ban; operator intervention required"))

	g.mu.Lock()
	g.banned = banErr
	g.mu.Unlock()
	return banErr
}

// Usage reports the weight consumed in the current window.
func (g *Governor) Usage() (used int, windowStart time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.weightUsed, g.windowStart
}

func (g *Governor) resetWindowLocked(start time.Time) {
	g.weightUsed = 0
	g.windowStart = start
}
