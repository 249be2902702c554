package rbac

import (
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a resolved entry is trusted.
const DefaultTTL = 5 * time.Minute

// Entry is a resolved principal. Entries are never mutated after Put, so
// readers cannot observe a partially written value.
type Entry struct {
	Roles       []string
	Permissions PermissionSet
	WrittenAt   time.Time
}

// Ticket is taken before a recompute and presented to Put. A ticket is
// rejected if the principal or the whole cache was invalidated after it
// was issued, so a recompute that raced an invalidation is never stored.
// A ticket older than the TTL is rejected too.
type Ticket struct {
	key    string
	global uint64
	seq    uint64
	issued time.Time
}

// Flight names the ticket's key and generation. Recomputes sharing a
// flight may be coalesced; a recompute begun after an invalidation never
// shares a flight with one begun before it.
func (t Ticket) Flight() string {
	return t.key + "@" + strconv.FormatUint(t.global, 10) + "." + strconv.FormatUint(t.seq, 10)
}

// invalidation records when a principal was last dropped.
type invalidation struct {
	seq uint64
	at  time.Time
}

// Cache maps principal IDs to resolved entries. Get, Begin, Put,
// InvalidateOne and InvalidateAll are the whole mutation surface.
type Cache struct {
	store *gocache.Cache
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	global   uint64
	seq      uint64
	gens     map[string]invalidation
	prunedAt time.Time
}

// NewCache creates a cache with the given TTL (DefaultTTL when <= 0).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store: gocache.New(ttl, time.Minute),
		ttl:   ttl,
		now:   time.Now,
		gens:  make(map[string]invalidation),
	}
}

// WithClock replaces the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a fresh entry. An entry whose age is not below TTL is a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	if c.now().Sub(e.WrittenAt) >= c.ttl {
		return nil, false
	}
	return e, true
}

// Begin issues a ticket for a recompute of key.
func (c *Cache) Begin(key string) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Ticket{key: key, global: c.global, seq: c.seq, issued: c.now()}
}

// Put stores e under the ticket's key unless an invalidation happened
// since the ticket was issued. WrittenAt is stamped here. It reports
// whether the entry was stored.
func (c *Cache) Put(t Ticket, roles []string, perms PermissionSet) (*Entry, bool) {
	e := &Entry{Roles: roles, Permissions: perms}

	c.mu.Lock()
	defer c.mu.Unlock()

	e.WrittenAt = c.now()
	if t.global != c.global || e.WrittenAt.Sub(t.issued) >= c.ttl {
		return e, false
	}
	if inv, ok := c.gens[t.key]; ok && inv.seq > t.seq {
		return e, false
	}
	c.store.Set(t.key, e, gocache.DefaultExpiration)
	return e, true
}

// InvalidateOne drops a single principal.
func (c *Cache) InvalidateOne(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.seq++
	c.gens[key] = invalidation{seq: c.seq, at: now}
	c.store.Delete(key)
	c.pruneLocked(now)
}

// pruneLocked forgets invalidations older than the TTL, at most once per
// TTL. Any ticket issued before them has expired and Put rejects it.
func (c *Cache) pruneLocked(now time.Time) {
	if now.Sub(c.prunedAt) < c.ttl {
		return
	}
	c.prunedAt = now
	for key, inv := range c.gens {
		if now.Sub(inv.at) >= c.ttl {
			delete(c.gens, key)
		}
	}
}

// InvalidateAll drops every principal.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global++
	c.gens = make(map[string]invalidation)
	c.store.Flush()
}

// tracked returns how many per-principal invalidations are remembered.
func (c *Cache) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gens)
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}
