// Package broker provides the topic-based publish/subscribe layer that
// decouples execution ingestion from streaming fan-out connections.
//
// Payloads cross the broker as raw bytes. Subscribers own exactly one
// Subscription each and decode payloads defensively on their side; the
// broker itself makes no guarantees about payload framing.
package broker

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// ExecutionsTopic is the single logical topic for execution updates.
	ExecutionsTopic = "executions"

	// subscriptionBuffer is the per-subscription channel buffer. A publish
	// to a subscriber whose buffer is full is dropped for that subscriber
	// only, so a slow consumer never stalls delivery to the others.
	subscriptionBuffer = 100
)

// Subscription is a handle to a lazy, unbounded sequence of raw payloads
// published to one topic. Each subscription is exclusively owned by a single
// connection and terminates only on Close or broker shutdown.
type Subscription struct {
	topic     string
	ch        chan []byte
	broker    *Broker
	closeOnce sync.Once
}

// C returns the channel yielding published payloads. It is closed when the
// subscription is released.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Close detaches the subscription from its topic and closes the payload
// channel. Safe to call more than once and from any trigger path.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.broker.unsubscribe(s)
		close(s.ch)
	})
}

// Broker is an in-process topic-scoped publish/subscribe primitive. One
// Publish call fans out to every subscriber attached to the topic at publish
// time; subscribers that attach later do not receive it.
//
// The broker is an explicit handle constructed by the process and passed to
// whichever component needs it, rather than process-wide shared state.
type Broker struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	closed bool
	logger *zap.SugaredLogger
	drops  atomic.Int64
}

// New creates a broker.
func New(logger *zap.SugaredLogger) *Broker {
	return &Broker{
		topics: make(map[string][]*Subscription),
		logger: logger,
	}
}

// Publish delivers payload to every current subscriber of topic. Delivery is
// fire-and-forget per subscriber: a full subscriber buffer drops the payload
// for that subscriber only. Returns the number of subscribers that accepted
// the payload.
//
// The sends are non-blocking, so the read lock is held across the fan-out.
// This keeps Publish from racing a concurrent Close of a subscription
// channel, which takes the write lock before closing.
func (b *Broker) Publish(topic string, payload []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sent := 0
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- payload:
			sent++
		default:
			// Subscriber buffer full - drop for this subscriber only
			b.logger.Warnw("Subscriber buffer full, dropping payload",
				"topic", topic,
				"total_drops", b.drops.Add(1),
			)
		}
	}
	return sent
}

// Drops returns the total number of payloads dropped due to full
// subscriber buffers.
func (b *Broker) Drops() int64 {
	return b.drops.Load()
}

// Subscribe attaches a new subscription to topic. Returns nil if the broker
// has been closed.
func (b *Broker) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscription{
		topic:  topic,
		ch:     make(chan []byte, subscriptionBuffer),
		broker: b,
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// unsubscribe removes sub from its topic. The channel close is handled by
// Subscription.Close; removing first prevents a publish racing a close from
// sending on a closed channel.
func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i, existing := range subs {
		if existing == sub {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of active subscriptions on topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Healthy reports broker availability for the health probe.
func (b *Broker) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close marks the broker closed and releases all subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.topics {
		all = append(all, subs...)
	}
	b.topics = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.closeOnce.Do(func() {
			close(sub.ch)
		})
	}
}
