// Package dedupe provides check-and-mark duplicate suppression for
// inbound transport messages, mirroring the bounded-cardinality,
// prune-then-evict pattern of the webhook rate limiter this module is
// grounded on.
package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTLTable is a lazily-expiring set: Seen(key) returns true if key was
// already marked within the configured TTL, and marks it regardless.
type TTLTable struct {
	mu  sync.Mutex
	ttl time.Duration
	at  map[string]time.Time
	now func() time.Time
}

// NewTTLTable builds a TTLTable with the given time-to-live.
func NewTTLTable(ttl time.Duration) *TTLTable {
	return &TTLTable{ttl: ttl, at: make(map[string]time.Time), now: time.Now}
}

// Seen reports whether key was seen within the TTL window, then marks it
// as seen now. Expired entries are pruned opportunistically on access,
// same as WebhookRateLimiter.Allow.
func (t *TTLTable) Seen(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.at[key]; ok && now.Sub(last) < t.ttl {
		t.at[key] = now
		return true
	}

	t.at[key] = now
	if len(t.at)%256 == 0 {
		t.pruneLocked(now)
	}
	return false
}

func (t *TTLTable) pruneLocked(now time.Time) {
	for k, at := range t.at {
		if now.Sub(at) >= t.ttl {
			delete(t.at, k)
		}
	}
}

// Len returns the current number of tracked keys (including possibly
// stale entries not yet pruned). Exposed for tests.
func (t *TTLTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.at)
}

// RingTable is a fixed-capacity LRU dedupe set, used where an unbounded
// TTL map would be unsafe (e.g. high-volume XMTP-shaped transports with
// no natural expiry signal). Capacity defaults to 2000 entries.
type RingTable struct {
	cache *lru.Cache[string, struct{}]
}

const defaultRingCap = 2000

// NewRingTable builds a RingTable with the given capacity; capacity <= 0
// uses the default of 2000.
func NewRingTable(capacity int) *RingTable {
	if capacity <= 0 {
		capacity = defaultRingCap
	}
	c, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// Only invalid (<=0) size causes an error, and we've just clamped
		// it above, so this is unreachable in practice.
		c, _ = lru.New[string, struct{}](defaultRingCap)
	}
	return &RingTable{cache: c}
}

// Seen reports whether key is already present, then marks it present
// (refreshing its recency).
func (r *RingTable) Seen(key string) bool {
	if _, ok := r.cache.Get(key); ok {
		return true
	}
	r.cache.Add(key, struct{}{})
	return false
}

// Len returns the number of currently-tracked keys.
func (r *RingTable) Len() int { return r.cache.Len() }
