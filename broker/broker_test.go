package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuswire/statuswire/logger"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(logger.NewTestLogger())
	defer b.Close()

	sub1 := b.Subscribe(ExecutionsTopic)
	sub2 := b.Subscribe(ExecutionsTopic)
	defer sub1.Close()
	defer sub2.Close()

	sent := b.Publish(ExecutionsTopic, []byte(`{"id":"r1"}`))
	assert.Equal(t, 2, sent)

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case payload := <-sub.C():
			assert.Equal(t, `{"id":"r1"}`, string(payload))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive payload")
		}
	}
}

func TestLateSubscriberMissesEarlierPublish(t *testing.T) {
	b := New(logger.NewTestLogger())
	defer b.Close()

	b.Publish(ExecutionsTopic, []byte(`{"id":"r1"}`))

	sub := b.Subscribe(ExecutionsTopic)
	defer sub.Close()

	select {
	case payload := <-sub.C():
		t.Fatalf("late subscriber unexpectedly received %q", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// A subscriber that stops draining its channel must not delay delivery to a
// healthy subscriber on the same topic.
func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(logger.NewTestLogger())
	defer b.Close()

	slow := b.Subscribe(ExecutionsTopic)
	healthy := b.Subscribe(ExecutionsTopic)
	defer slow.Close()
	defer healthy.Close()

	// Overflow the slow subscriber's buffer without draining it
	payload := []byte(`{"id":"r1"}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionBuffer+10; i++ {
			b.Publish(ExecutionsTopic, payload)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish path blocked on a slow subscriber")
	}

	// Healthy subscriber still has payloads waiting
	select {
	case got := <-healthy.C():
		assert.Equal(t, string(payload), string(got))
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber received nothing")
	}

	assert.Greater(t, b.Drops(), int64(0), "overflow should be recorded as drops")
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := New(logger.NewTestLogger())
	defer b.Close()

	sub := b.Subscribe(ExecutionsTopic)
	sub.Close()
	sub.Close() // must not panic

	assert.Equal(t, 0, b.SubscriberCount(ExecutionsTopic))

	_, open := <-sub.C()
	assert.False(t, open, "channel should be closed after Close")
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New(logger.NewTestLogger())
	defer b.Close()

	sub := b.Subscribe(ExecutionsTopic)
	sub.Close()

	sent := b.Publish(ExecutionsTopic, []byte(`{"id":"r1"}`))
	assert.Equal(t, 0, sent)
}

func TestOrderingWithinSubscription(t *testing.T) {
	b := New(logger.NewTestLogger())
	defer b.Close()

	sub := b.Subscribe(ExecutionsTopic)
	defer sub.Close()

	payloads := []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}
	for _, p := range payloads {
		b.Publish(ExecutionsTopic, []byte(p))
	}

	for _, want := range payloads {
		select {
		case got := <-sub.C():
			assert.Equal(t, want, string(got))
		case <-time.After(time.Second):
			t.Fatal("missing payload")
		}
	}
}

func TestBrokerClose(t *testing.T) {
	b := New(logger.NewTestLogger())
	sub := b.Subscribe(ExecutionsTopic)

	require.True(t, b.Healthy())
	b.Close()
	assert.False(t, b.Healthy())

	_, open := <-sub.C()
	assert.False(t, open)

	assert.Nil(t, b.Subscribe(ExecutionsTopic), "subscribe after close returns nil")

	b.Close() // second close is a no-op
}
