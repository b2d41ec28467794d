package affinity

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is the assumed upstream prompt-cache lifetime.
	DefaultTTL = 5 * time.Minute
	// ExtendedTTL applies when the request declared the 1h cache_control TTL.
	ExtendedTTL = time.Hour
	// SweepInterval is how often expired entries are swept.
	SweepInterval = time.Minute
)

// entry records which credential most recently served a fingerprint.
type entry struct {
	credHash string
	ttl      time.Duration
	lastUsed time.Time
	hitCount int64
}

// Router memoizes fingerprint -> credential assignments. Entries are
// idempotent to overwrite and expire lazily on lookup plus a periodic sweep.
type Router struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time // test hook
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// PreferredCredential returns the credential hash that most recently served
// the given fingerprint. Exact match wins; otherwise the longest stored
// fingerprint that is a prefix of fp, or of which fp is a prefix (the
// breakpoint moved forward or backward between requests), is used.
func (r *Router) PreferredCredential(fp string) (string, bool) {
	if fp == "" {
		return "", false
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.live(fp, now); e != nil {
		e.hitCount++
		return e.credHash, true
	}

	var bestKey string
	var best *entry
	for key := range r.entries {
		if !prefixRelated(key, fp) {
			continue
		}
		if e := r.live(key, now); e != nil && len(key) > len(bestKey) {
			bestKey, best = key, e
		}
	}
	if best == nil {
		return "", false
	}
	best.hitCount++
	return best.credHash, true
}

// RecordCacheUsage assigns or overwrites the owner of every fingerprint in
// fps and resets their last-used time. ttl of zero means DefaultTTL.
func (r *Router) RecordCacheUsage(fps []string, credHash string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fp := range fps {
		if fp == "" {
			continue
		}
		if e, ok := r.entries[fp]; ok {
			e.credHash = credHash
			e.ttl = ttl
			e.lastUsed = now
			continue
		}
		r.entries[fp] = &entry{credHash: credHash, ttl: ttl, lastUsed: now}
	}
}

// Sweep removes expired entries. Returns the number removed.
func (r *Router) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, e := range r.entries {
		if now.Sub(e.lastUsed) > e.ttl {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries (expired-but-unswept included).
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset clears all entries. Test hook.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
}

// live returns the entry for key if present and unexpired, purging it lazily
// otherwise. Caller holds r.mu.
func (r *Router) live(key string, now time.Time) *entry {
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	if now.Sub(e.lastUsed) > e.ttl {
		delete(r.entries, key)
		return nil
	}
	return e
}

// prefixRelated reports whether one fingerprint is a prefix of the other on a
// whole-part-hash boundary.
func prefixRelated(a, b string) bool {
	if len(a)%partHashLen != 0 || len(b)%partHashLen != 0 {
		return false
	}
	if len(a) < len(b) {
		return strings.HasPrefix(b, a)
	}
	return strings.HasPrefix(a, b)
}

// TTLFor maps a declared cache_control TTL string to a duration.
func TTLFor(declared string) time.Duration {
	if declared == "1h" {
		return ExtendedTTL
	}
	return DefaultTTL
}
