// Package bus is an in-process, fire-and-forget event fan-out. Publishing
// never blocks: a subscriber that cannot keep up misses events instead of
// stalling the pipeline.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBufferSize is the per-subscription channel buffer.
const defaultBufferSize = 100

// dropWarnInterval rate-limits slow-subscriber warnings: at most one warning
// per subscription per interval, carrying the running loss count.
const dropWarnInterval = time.Minute

// Event is a message published on the bus.
type Event struct {
	Topic     string
	Timestamp time.Time
	Payload   interface{}
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	prefix string
	ch     chan Event

	dropped  atomic.Int64
	lastWarn time.Time // guarded by the bus mutex
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscription has missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans events out to registered subscriptions. A single mutex serializes
// registration and delivery, so an unsubscribe can never race a send on a
// closed channel.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	logger *slog.Logger

	totalDropped atomic.Int64
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus that reports slow subscribers to logger.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a subscription for events matching the topic prefix.
// An empty prefix matches every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Unknown or nil
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers an event to every matching subscription. Delivery is
// best-effort: a full buffer drops the event for that subscriber only.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.totalDropped.Add(1)
			b.noteDrop(sub, topic)
		}
	}
}

// noteDrop counts a missed event and warns at most once per interval per
// subscription. Caller holds the bus mutex.
func (b *Bus) noteDrop(sub *Subscription, topic string) {
	n := sub.dropped.Add(1)
	if b.logger == nil {
		return
	}
	now := time.Now()
	if !sub.lastWarn.IsZero() && now.Sub(sub.lastWarn) < dropWarnInterval {
		return
	}
	sub.lastWarn = now
	b.logger.Warn("slow event subscriber, dropping",
		slog.String("prefix", sub.prefix),
		slog.String("topic", topic),
		slog.Int64("dropped_total", n),
	)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped across all
// subscriptions since the bus was created.
func (b *Bus) DroppedEventCount() int64 {
	return b.totalDropped.Load()
}
