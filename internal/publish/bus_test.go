package publish

import (
	"testing"
	"time"

	"github.com/openfeeds/marketgate/internal/schema"
)

func tradeEvent(symbol string, seq uint64) *schema.Event {
	return &schema.Event{
		EventID:       "evt",
		Kind:          schema.EventTypeTrade,
		Symbol:        symbol,
		EventTime:     time.UnixMilli(1700000000000).UTC(),
		SourceSeq:     seq,
		SchemaVersion: schema.SchemaVersion,
		Payload:       schema.TradePayload{Price: "100", Quantity: "1"},
	}
}

func recv(t *testing.T, sub *Subscription) *schema.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	bus := NewBus(16, 2)
	defer bus.Close()

	btc := bus.Subscribe("trade.BTCUSDT")
	eth := bus.Subscribe("trade.ETHUSDT")

	bus.Publish(tradeEvent("BTCUSDT", 1))

	evt := recv(t, btc)
	if evt.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %s, want BTCUSDT", evt.Symbol)
	}
	if evt.EmitTS.IsZero() {
		t.Fatal("emit timestamp must be stamped")
	}

	select {
	case <-eth.Events():
		t.Fatal("event leaked to an unrelated topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFirehoseReceivesEverything(t *testing.T) {
	bus := NewBus(16, 2)
	defer bus.Close()

	all := bus.Subscribe(schema.TopicAll)
	bus.Publish(tradeEvent("BTCUSDT", 1))
	bus.Publish(tradeEvent("ETHUSDT", 2))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[recv(t, all).Symbol] = true
	}
	if !seen["BTCUSDT"] || !seen["ETHUSDT"] {
		t.Fatalf("firehose missed events: %v", seen)
	}
}

func TestSubscribersGetIndependentCopies(t *testing.T) {
	bus := NewBus(16, 1)
	defer bus.Close()

	a := bus.Subscribe("trade.BTCUSDT")
	b := bus.Subscribe("trade.BTCUSDT")
	bus.Publish(tradeEvent("BTCUSDT", 1))

	evtA := recv(t, a)
	evtB := recv(t, b)
	if evtA == evtB {
		t.Fatal("subscribers must not share one event pointer")
	}
	evtA.Symbol = "mutated"
	if evtB.Symbol != "BTCUSDT" {
		t.Fatal("mutation leaked between subscribers")
	}
}

func TestSlowSubscriberLosesEventsNotPipeline(t *testing.T) {
	bus := NewBus(2, 1)
	defer bus.Close()

	slow := bus.Subscribe("trade.BTCUSDT")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(tradeEvent("BTCUSDT", uint64(i)))
		}
		close(done)
	}()

	// Publish must complete regardless of the stalled subscriber.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	time.Sleep(50 * time.Millisecond)
	if bus.Dropped() == 0 {
		t.Fatal("expected drops for the stalled subscriber")
	}
	_ = slow
}

func TestPerTopicOrderPreserved(t *testing.T) {
	bus := NewBus(128, 4)
	defer bus.Close()

	sub := bus.Subscribe("trade.BTCUSDT")
	for i := uint64(1); i <= 20; i++ {
		bus.Publish(tradeEvent("BTCUSDT", i))
	}

	var last uint64
	for i := 0; i < 20; i++ {
		evt := recv(t, sub)
		if evt.SourceSeq <= last {
			t.Fatalf("order violated: %d after %d", evt.SourceSeq, last)
		}
		last = evt.SourceSeq
	}
}

func TestCloseShutsDownSubscriptions(t *testing.T) {
	bus := NewBus(16, 2)
	sub := bus.Subscribe("trade.BTCUSDT")
	bus.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel not closed")
	}

	// Publishing after close is a no-op.
	bus.Publish(tradeEvent("BTCUSDT", 99))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(16, 1)
	defer bus.Close()

	sub := bus.Subscribe("trade.BTCUSDT")
	sub.Close()
	bus.Publish(tradeEvent("BTCUSDT", 1))

	time.Sleep(20 * time.Millisecond)
	if _, ok := <-sub.Events(); ok {
		t.Fatal("closed subscription must not receive events")
	}
}
