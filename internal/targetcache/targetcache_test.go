package targetcache

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

var target = netip.MustParseAddr("1.2.3.4")

func TestCache_TimeoutScenario(t *testing.T) {
	clock := newClock()
	c := New(2*time.Second, WithClock(clock.Now))
	assert.Equal(t, 2*time.Second, c.Timeout())

	c.Add(target)
	clock.Advance(1 * time.Second)
	assert.True(t, c.Cached(target))
	clock.Advance(2 * time.Second)
	assert.False(t, c.Cached(target))
}

func TestCache_RepeatedRefreshCycles(t *testing.T) {
	clock := newClock()
	timeout := 2 * time.Second
	c := New(timeout, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		assert.False(t, c.Cached(target), "cycle %d", i)
		c.Add(target)
		assert.True(t, c.Cached(target), "cycle %d", i)
		clock.Advance(timeout + time.Millisecond)
	}
}

func TestCache_AddDoesNotRefresh(t *testing.T) {
	clock := newClock()
	c := New(10*time.Second, WithClock(clock.Now))

	c.Add(target)
	clock.Advance(8 * time.Second)
	c.Add(target)
	clock.Advance(3 * time.Second)

	assert.False(t, c.Cached(target), "second Add must not extend the first entry")
}

func TestCache_ExactBoundary(t *testing.T) {
	clock := newClock()
	c := New(4*time.Second, WithClock(clock.Now))

	c.Add(target)
	clock.Advance(4 * time.Second)
	assert.True(t, c.Cached(target))
	clock.Advance(time.Nanosecond)
	assert.False(t, c.Cached(target))
}

func TestCache_SupersedesStaleEntry(t *testing.T) {
	clock := newClock()
	c := New(4*time.Second, WithClock(clock.Now))

	c.Add(target)
	// expired but its bucket is not yet swept
	clock.Advance(4*time.Second + 100*time.Millisecond)
	require.False(t, c.Cached(target))
	require.Equal(t, 1, c.Len())

	c.Add(target)
	assert.True(t, c.Cached(target))
	assert.Equal(t, 1, c.Len())

	total := 0
	for _, set := range c.buckets {
		total += len(set)
	}
	assert.Equal(t, 1, total, "stale entry must leave its old bucket")

	clock.Advance(3 * time.Second)
	assert.True(t, c.Cached(target))
}

func TestCache_StalenessBound(t *testing.T) {
	clock := newClock()
	timeout := 2 * time.Second
	c := New(timeout, WithClock(clock.Now))

	for i := 0; i < 500; i++ {
		c.Add(netip.MustParseAddr(fmt.Sprintf("10.0.%d.%d", i/250, i%250)))
		clock.Advance(37 * time.Millisecond)
		c.Cached(target)

		now := clock.Now()
		for addr, e := range c.entries {
			assert.LessOrEqual(t, now.Sub(e.added), 2*timeout, "entry %s outlived the bound", addr)
		}
	}

	clock.Advance(3 * timeout)
	c.Cached(target)
	assert.Zero(t, c.Len())
	assert.Empty(t, c.buckets)
}

func TestCache_BucketCountStaysSmall(t *testing.T) {
	clock := newClock()
	c := New(time.Second, WithClock(clock.Now))

	for i := 0; i < 1000; i++ {
		c.Add(netip.AddrFrom4([4]byte{10, 1, byte(i >> 8), byte(i)}))
		clock.Advance(10 * time.Millisecond)
	}
	c.Cached(target)

	assert.LessOrEqual(t, len(c.buckets), BucketDivisor+2)
}

func TestCache_Jitter(t *testing.T) {
	clock := newClock()
	c := New(4*time.Second, WithClock(clock.Now), WithJitter(time.Hour))
	c.randN = func(n int64) int64 { return n - 1 }

	assert.Equal(t, 2*time.Second, c.jitter, "jitter is clamped to half the timeout")

	c.Add(target)
	clock.Advance(5 * time.Second)
	assert.True(t, c.Cached(target))
	clock.Advance(time.Second)
	assert.False(t, c.Cached(target))
}

func TestCache_ZeroTimeout(t *testing.T) {
	clock := newClock()
	c := New(0, WithClock(clock.Now))
	assert.Zero(t, c.Timeout())

	c.Add(target)
	clock.Advance(time.Millisecond)
	assert.False(t, c.Cached(target))
}
