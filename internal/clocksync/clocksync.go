// Package clocksync measures drift between the local clock and the
// exchange server clock.
package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfeeds/marketgate/internal/observability"
	"github.com/openfeeds/marketgate/internal/schema"
)

// TimeSource fetches the exchange server clock.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Publisher receives clock drift events.
type Publisher interface {
	Publish(evt *schema.Event)
}

// Config tunes the sync service.
type Config struct {
	// Interval between periodic measurements. Zero disables the loop and
	// only the startup measurement runs.
	Interval time.Duration
	// DriftWarn is the absolute drift that triggers a warning log.
	DriftWarn time.Duration
}

// Service periodically measures clock drift using the midpoint method and
// publishes the result. The measured drift stays available to other
// components through Drift.
type Service struct {
	cfg       Config
	source    TimeSource
	publisher Publisher
	now       func() time.Time

	mu      sync.RWMutex
	drift   time.Duration
	lastRun time.Time
}

// New constructs a clock sync service.
func New(cfg Config, source TimeSource, publisher Publisher) *Service {
	if cfg.DriftWarn <= 0 {
		cfg.DriftWarn = time.Second
	}
	return &Service{
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		now:       time.Now,
	}
}

// Drift returns the most recent drift measurement. Positive drift means the
// exchange clock is ahead of the local clock.
func (s *Service) Drift() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drift
}

// SyncOnce performs a single measurement and publishes the result.
//
// The server timestamp is compared against the midpoint of the request
// round trip, which cancels symmetric network latency out of the estimate.
func (s *Service) SyncOnce(ctx context.Context) error {
	started := s.now()
	serverTime, err := s.source.ServerTime(ctx)
	if err != nil {
		return err
	}
	finished := s.now()

	roundTrip := finished.Sub(started)
	midpoint := started.Add(roundTrip / 2)
	drift := serverTime.Sub(midpoint)

	s.mu.Lock()
	s.drift = drift
	s.lastRun = finished
	s.mu.Unlock()

	if drift < -s.cfg.DriftWarn || drift > s.cfg.DriftWarn {
		observability.Log().Warn("clock drift exceeds threshold",
			observability.F("driftMs", drift.Milliseconds()),
			observability.F("thresholdMs", s.cfg.DriftWarn.Milliseconds()))
	} else {
		observability.Log().Debug("clock drift measured",
			observability.F("driftMs", drift.Milliseconds()),
			observability.F("roundTripMs", roundTrip.Milliseconds()))
	}

	if s.publisher != nil {
		s.publisher.Publish(&schema.Event{
			EventID:       uuid.NewString(),
			Kind:          schema.EventTypeClock,
			EventTime:     serverTime,
			IngestTS:      finished,
			SchemaVersion: schema.SchemaVersion,
			Payload: schema.ClockPayload{
				DriftMs:     drift.Milliseconds(),
				RoundTripMs: roundTrip.Milliseconds(),
				MeasuredAt:  finished.UTC(),
			},
		})
	}
	return nil
}

// Run measures once immediately and then on every interval tick until the
// context is cancelled. Failed measurements are logged and retried on the
// next tick; the previous drift value stays in effect.
func (s *Service) Run(ctx context.Context) {
	if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		observability.Log().Warn("initial clock sync failed", observability.F("error", err))
	}
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Warn("clock sync failed", observability.F("error", err))
			}
		}
	}
}
