package clocksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfeeds/marketgate/internal/schema"
)

type fakeSource struct {
	mu    sync.Mutex
	times []time.Time
	errs  []error
	calls int
}

func (f *fakeSource) ServerTime(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return time.Time{}, f.errs[idx]
	}
	if idx < len(f.times) {
		return f.times[idx], nil
	}
	return f.times[len(f.times)-1], nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (p *capturingPublisher) Publish(evt *schema.Event) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *capturingPublisher) last() *schema.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

func TestSyncOnceMeasuresMidpointDrift(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Request departs at base, response arrives at base+200ms; the server
	// reports base+350ms, so drift against the midpoint is +250ms.
	source := &fakeSource{times: []time.Time{base.Add(350 * time.Millisecond)}}
	pub := &capturingPublisher{}
	svc := New(Config{DriftWarn: time.Second}, source, pub)

	clockCalls := 0
	svc.now = func() time.Time {
		clockCalls++
		if clockCalls == 1 {
			return base
		}
		return base.Add(200 * time.Millisecond)
	}

	if err := svc.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if got := svc.Drift(); got != 250*time.Millisecond {
		t.Fatalf("Drift() = %v, want 250ms", got)
	}

	evt := pub.last()
	if evt == nil {
		t.Fatal("no clock event published")
	}
	if evt.Kind != schema.EventTypeClock {
		t.Errorf("kind = %s, want %s", evt.Kind, schema.EventTypeClock)
	}
	if evt.SchemaVersion != schema.SchemaVersion {
		t.Errorf("schema version = %d, want %d", evt.SchemaVersion, schema.SchemaVersion)
	}
	payload, ok := evt.Payload.(schema.ClockPayload)
	if !ok {
		t.Fatalf("payload type %T", evt.Payload)
	}
	if payload.DriftMs != 250 {
		t.Errorf("driftMs = %d, want 250", payload.DriftMs)
	}
	if payload.RoundTripMs != 200 {
		t.Errorf("roundTripMs = %d, want 200", payload.RoundTripMs)
	}
	if schema.Topic(evt) != schema.TopicClock {
		t.Errorf("topic = %q, want %q", schema.Topic(evt), schema.TopicClock)
	}
}

func TestSyncOnceKeepsPreviousDriftOnError(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{
		times: []time.Time{base.Add(100 * time.Millisecond), {}},
		errs:  []error{nil, errors.New("exchange unavailable")},
	}
	svc := New(Config{DriftWarn: time.Second}, source, nil)
	svc.now = func() time.Time { return base }

	if err := svc.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}
	before := svc.Drift()

	if err := svc.SyncOnce(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}
	if got := svc.Drift(); got != before {
		t.Fatalf("Drift() = %v after failure, want unchanged %v", got, before)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{times: []time.Time{base}}
	svc := New(Config{Interval: time.Hour, DriftWarn: time.Second}, source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
