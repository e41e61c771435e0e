package publish

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/openfeeds/marketgate/internal/schema"
)

// Throttle enforces a minimum interval between published events across the
// whole process. Events over the cap are dropped immediately rather than
// queued, so subscribers only ever see fresh data.
type Throttle struct {
	limiter *rate.Limiter
	now     func() time.Time

	suppressed atomic.Uint64
}

// NewThrottle builds a process-wide throttle allowing maxPerSecond events,
// one per interval with no burst allowance. A non-positive rate disables
// throttling.
func NewThrottle(maxPerSecond float64) *Throttle {
	t := &Throttle{now: time.Now}
	if maxPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(maxPerSecond), 1)
	}
	return t
}

// Allow reports whether the event may be published now. Resync, clock, and
// rules events always pass; losing them would hide operational state from
// consumers.
func (t *Throttle) Allow(evt *schema.Event) bool {
	if t.limiter == nil || evt == nil {
		return true
	}
	switch evt.Kind {
	case schema.EventTypeResync, schema.EventTypeClock, schema.EventTypeRules:
		return true
	}
	if !t.limiter.AllowN(t.now(), 1) {
		t.suppressed.Add(1)
		return false
	}
	return true
}

// Suppressed reports the number of events dropped by the throttle.
func (t *Throttle) Suppressed() uint64 { return t.suppressed.Load() }
