package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuswire/statuswire/execution"
)

func TestCachePutGet(t *testing.T) {
	c := NewLastEventCache(time.Hour)

	event := &Event{ID: "r1", Status: execution.StatusRunning}
	c.Put(event)

	got := c.Get("r1")
	require.NotNil(t, got)
	assert.Equal(t, execution.StatusRunning, got.Status)

	assert.Nil(t, c.Get("r2"))
}

func TestCacheLatestWins(t *testing.T) {
	c := NewLastEventCache(time.Hour)

	c.Put(&Event{ID: "r1", Status: execution.StatusRunning})
	c.Put(&Event{ID: "r1", Status: execution.StatusCompleted})

	got := c.Get("r1")
	require.NotNil(t, got)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, 1, c.Len())
}

func TestCacheExpiry(t *testing.T) {
	c := NewLastEventCache(time.Hour)

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Put(&Event{ID: "r1", Status: execution.StatusCompleted})
	require.NotNil(t, c.Get("r1"))

	current = current.Add(2 * time.Hour)
	assert.Nil(t, c.Get("r1"), "entry past its TTL is a miss")
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on access")
}
