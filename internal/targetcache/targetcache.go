// Package targetcache remembers which remote addresses were probed recently
// so the same host is not traced again within the cooldown window.
//
// Entries are grouped into coarse time buckets, timeout/BucketDivisor wide.
// Expiry drops whole buckets, so a sweep costs O(buckets) rather than
// O(entries). An entry is expired once now > added + timeout; buckets are
// dropped once every entry in them is expired, which bounds the age of any
// remaining entry by timeout + timeout/BucketDivisor (+ jitter, when set).
//
// A Cache is not safe for concurrent use.
package targetcache

import (
	"math/rand/v2"
	"net/netip"
	"time"
)

const BucketDivisor = 4

type entry struct {
	added   time.Time
	expires time.Time
	bucket  int64
}

type Cache struct {
	timeout     time.Duration
	granularity time.Duration
	jitter      time.Duration
	entries     map[netip.Addr]entry
	buckets     map[int64]map[netip.Addr]struct{}
	now         func() time.Time
	randN       func(n int64) int64
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithJitter extends each entry's lifetime by a random duration in
// [0, max). max is clamped to half the timeout.
func WithJitter(max time.Duration) Option {
	return func(c *Cache) {
		if max < 0 {
			max = 0
		}
		if max > c.timeout/2 {
			max = c.timeout / 2
		}
		c.jitter = max
	}
}

func New(timeout time.Duration, opts ...Option) *Cache {
	if timeout < 0 {
		timeout = 0
	}
	g := timeout / BucketDivisor
	if g <= 0 {
		g = time.Nanosecond
	}
	c := &Cache{
		timeout:     timeout,
		granularity: g,
		entries:     make(map[netip.Addr]entry),
		buckets:     make(map[int64]map[netip.Addr]struct{}),
		now:         time.Now,
		randN:       rand.Int64N,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Timeout() time.Duration {
	return c.timeout
}

// Len returns the number of entries held, including expired entries whose
// bucket has not been swept yet.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Cached reports whether addr was added less than one timeout ago.
func (c *Cache) Cached(addr netip.Addr) bool {
	now := c.now()
	c.expire(now)

	e, ok := c.entries[addr]
	return ok && !now.After(e.expires)
}

// Add records addr at the current time unless it is already cached.
// Existing entries are never refreshed.
func (c *Cache) Add(addr netip.Addr) {
	if c.Cached(addr) {
		return
	}

	now := c.now()
	if old, ok := c.entries[addr]; ok {
		c.unlink(addr, old.bucket)
	}

	lifetime := c.timeout
	if c.jitter > 0 {
		lifetime += time.Duration(c.randN(int64(c.jitter)))
	}

	b := c.bucketOf(now)
	c.entries[addr] = entry{
		added:   now,
		expires: now.Add(lifetime),
		bucket:  b,
	}
	set, ok := c.buckets[b]
	if !ok {
		set = make(map[netip.Addr]struct{})
		c.buckets[b] = set
	}
	set[addr] = struct{}{}
}

func (c *Cache) bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(c.granularity)
}

func (c *Cache) bucketEnd(b int64) time.Time {
	return time.Unix(0, (b+1)*int64(c.granularity))
}

// expire drops every bucket whose newest possible entry has expired.
func (c *Cache) expire(now time.Time) {
	maxLife := c.timeout + c.jitter
	for b, set := range c.buckets {
		if c.bucketEnd(b).Add(maxLife).After(now) {
			continue
		}
		for addr := range set {
			delete(c.entries, addr)
		}
		delete(c.buckets, b)
	}
}

func (c *Cache) unlink(addr netip.Addr, b int64) {
	set, ok := c.buckets[b]
	if !ok {
		return
	}
	delete(set, addr)
	if len(set) == 0 {
		delete(c.buckets, b)
	}
}
