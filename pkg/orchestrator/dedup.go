package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultDedupWindow is how long an identical (session, text) pair is
// considered a client double-send.
const DefaultDedupWindow = 5 * time.Second

// Dedup drops duplicate inbound messages. The key is a hash of session and
// text with a last-seen timestamp, so two identical messages straddling a
// clock bucket boundary still dedup correctly. The cache is process-local;
// multi-instance deployments accept best-effort semantics because order
// placement is idempotency-keyed downstream.
type Dedup struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedup creates a dedup cache. window <= 0 selects DefaultDedupWindow.
func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Dedup{window: window, seen: make(map[string]time.Time)}
}

// Duplicate reports whether the message was already seen inside the window,
// recording it otherwise.
func (d *Dedup) Duplicate(sessionID, text string) bool {
	sum := sha256.Sum256([]byte(sessionID + "\x00" + text))
	key := hex.EncodeToString(sum[:16])
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// Scrub drops entries older than the window and returns how many were
// removed. Called by the background janitor.
func (d *Dedup) Scrub() int {
	cutoff := time.Now().Add(-d.window)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for key, last := range d.seen {
		if last.Before(cutoff) {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// Len reports the live entry count.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
