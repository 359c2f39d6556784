// Package track remembers which pipeline runs have already been exported so
// a run is never shipped twice within one process lifetime.
package track

import (
	"sync"
	"time"
)

// Tracker is an in-memory set of run keys with last-seen timestamps. All
// methods are safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewTracker creates an empty tracker. The set always starts empty: runs
// finished before process start are excluded by the poll loop's baseline,
// not by pre-seeding.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]time.Time)}
}

// IsNew reports whether the run has not been marked seen.
func (t *Tracker) IsNew(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[key]
	return !ok
}

// MarkSeen records the run as fully exported. Idempotent; repeated calls
// keep the latest timestamp.
func (t *Tracker) MarkSeen(key string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.seen[key]; ok && prev.After(at) {
		return
	}
	t.seen[key] = at
}

// EvictOlderThan removes entries last seen before now-window and returns how
// many were evicted. An evicted run that resurfaces is re-exported; bounded
// memory is traded for at-least-once delivery.
func (t *Tracker) EvictOlderThan(window time.Duration) int {
	cutoff := time.Now().Add(-window)

	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for key, at := range t.seen {
		if at.Before(cutoff) {
			delete(t.seen, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked runs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
