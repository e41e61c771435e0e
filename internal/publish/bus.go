// Package publish fans canonical events out to topic subscribers.
package publish

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/openfeeds/marketgate/internal/observability"
	"github.com/openfeeds/marketgate/internal/schema"
)

// Subscription is one subscriber's handle on a topic.
type Subscription struct {
	topic string
	id    uint64
	ch    chan *schema.Event
	bus   *Bus

	// closed is guarded by the bus mutex so delivery never races a close.
	closed bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the delivery channel. It is closed when the subscription
// or the bus shuts down.
func (s *Subscription) Events() <-chan *schema.Event { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is an in-memory topic bus. Delivery is non-blocking: a subscriber
// that cannot keep up loses events rather than stalling the pipeline.
// Events for the same topic are always dispatched by the same worker, so
// per-topic ordering is preserved.
type Bus struct {
	buffer  int
	queues  []chan *schema.Event
	workers conc.WaitGroup

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus builds a running bus with the given per-subscriber buffer and
// dispatch worker count.
func NewBus(bufferSize, fanoutWorkers int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if fanoutWorkers <= 0 {
		fanoutWorkers = 1
	}
	b := &Bus{
		buffer: bufferSize,
		queues: make([]chan *schema.Event, fanoutWorkers),
		subs:   make(map[string]map[uint64]*Subscription),
	}
	for i := range b.queues {
		queue := make(chan *schema.Event, bufferSize)
		b.queues[i] = queue
		b.workers.Go(func() {
			for evt := range queue {
				b.deliver(evt)
			}
		})
	}
	return b
}

// Subscribe attaches a new subscriber to the topic. Subscribing on a closed
// bus yields an already-closed subscription.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		topic: topic,
		id:    b.nextID,
		ch:    make(chan *schema.Event, b.buffer),
		bus:   b,
	}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	byID, ok := b.subs[topic]
	if !ok {
		byID = make(map[uint64]*Subscription)
		b.subs[topic] = byID
	}
	byID[sub.id] = sub
	return sub
}

// Publish stamps the emit timestamp and hands the event to the dispatch
// worker owning its topic. Publish never blocks; when the worker queue is
// full the event is counted as dropped.
func (b *Bus) Publish(evt *schema.Event) {
	if evt == nil {
		return
	}
	topic := schema.Topic(evt)
	if topic == "" {
		b.dropped.Add(1)
		return
	}
	evt.EmitTS = time.Now().UTC()

	// The read lock spans the send so a concurrent Close cannot tear the
	// worker queues down under an in-flight publish.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.queues[b.workerFor(topic)] <- evt:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		observability.Log().Debug("bus queue full, event dropped",
			observability.F("topic", topic))
	}
}

// Published reports the number of events accepted for dispatch.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dropped reports the number of events lost to backpressure.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops the dispatch workers and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, queue := range b.queues {
		close(queue)
	}
	b.mu.Unlock()

	b.workers.Wait()

	b.mu.Lock()
	for _, byID := range b.subs {
		for _, sub := range byID {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	b.subs = make(map[string]map[uint64]*Subscription)
	b.mu.Unlock()
}

func (b *Bus) workerFor(topic string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32() % uint32(len(b.queues)))
}

// deliver sends the event to topic subscribers and the firehose. Each
// subscriber gets its own shallow clone. The read lock spans the sends so
// an unsubscribe cannot close a channel mid-delivery; sends are
// non-blocking, so holding it is cheap.
func (b *Bus) deliver(evt *schema.Event) {
	topic := schema.Topic(evt)

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliverLocked(b.subs[topic], evt)
	if topic != schema.TopicAll {
		b.deliverLocked(b.subs[schema.TopicAll], evt)
	}
}

func (b *Bus) deliverLocked(subs map[uint64]*Subscription, evt *schema.Event) {
	for _, sub := range subs {
		select {
		case sub.ch <- evt.Clone():
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if byID, ok := b.subs[sub.topic]; ok {
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(b.subs, sub.topic)
		}
	}
}
