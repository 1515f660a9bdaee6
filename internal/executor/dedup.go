package executor

import (
	"sync"
	"time"
)

// Dedup remembers opportunity IDs the pipeline has already consumed so that
// an opportunity is executed at most once. It is safe for concurrent use.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewDedup keeps IDs for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// IsDuplicate records id and reports whether it was already consumed within
// the window. Expired entries are swept on the way.
func (d *Dedup) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}
