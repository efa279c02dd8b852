package correlation

import (
	"fmt"
	"sync"
	"time"

	"github.com/koala73/worldmonitor-engine/internal/model"
)

// SuppressionWindow is how long a signal key stays suppressed after emission.
const SuppressionWindow = 30 * time.Minute

// Deduper suppresses repeated emission of the same (type, key, rounded
// value) within the suppression window. Expiry is lazy: the insertion
// timestamp is checked at lookup instead of scheduling timers, so tests
// stay deterministic. State is process-local and resets on restart;
// suppression is a UX concern, not a correctness guarantee.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewDeduper creates a Deduper with the standard suppression window.
func NewDeduper() *Deduper {
	return &Deduper{
		seen: make(map[string]time.Time),
		ttl:  SuppressionWindow,
		now:  time.Now,
	}
}

// DedupeKey builds the suppression key for a signal emission. The value
// is rounded to one decimal so jitter does not defeat suppression.
func DedupeKey(t model.SignalType, identifier string, value float64) string {
	return fmt.Sprintf("%s:%s:%.1f", t, identifier, value)
}

// IsDuplicate reports whether the key was marked within the window.
// Expired entries are removed on the way.
func (d *Deduper) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	if !ok {
		return false
	}
	if d.now().Sub(at) >= d.ttl {
		delete(d.seen, key)
		return false
	}
	return true
}

// MarkSeen records the key, starting its suppression window now.
func (d *Deduper) MarkSeen(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen[key] = d.now()

	// Opportunistic sweep so long-running processes don't accumulate
	// expired keys between lookups.
	if len(d.seen) > 1024 {
		cutoff := d.now().Add(-d.ttl)
		for k, at := range d.seen {
			if at.Before(cutoff) {
				delete(d.seen, k)
			}
		}
	}
}
