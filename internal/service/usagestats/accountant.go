// Package usagestats keeps short-horizon, in-memory usage counters per
// upstream key. Counters are advisory: they feed the stats endpoints and the
// per-key call ceiling but are not persisted and reset on restart.
package usagestats

import (
	"sync"
	"time"
)

// WindowCounts is the per-key usage aggregate over the standard windows.
type WindowCounts struct {
	Last1m  int `json:"usage_last_1m"`
	Last1h  int `json:"usage_last_1h"`
	Last24h int `json:"usage_last_24h"`
}

// Accountant records request timestamps per key and answers sliding-window
// queries. All methods are safe for concurrent use.
type Accountant struct {
	mu        sync.Mutex
	byKey     map[string][]time.Time
	window    time.Duration
	maxPerKey int
}

// New creates an Accountant holding at most maxPerKey timestamps per key,
// evicting anything older than window.
func New(window time.Duration, maxPerKey int) *Accountant {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxPerKey <= 0 {
		maxPerKey = 10000
	}
	return &Accountant{
		byKey:     make(map[string][]time.Time),
		window:    window,
		maxPerKey: maxPerKey,
	}
}

// evictLocked drops timestamps older than the window and enforces the
// per-key cap, keeping the newest entries. Membership is inclusive: an entry
// exactly one window old still counts. Caller holds mu.
func (a *Accountant) evictLocked(keyID string, now time.Time) []time.Time {
	ts := a.byKey[keyID]
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) > a.maxPerKey {
		ts = ts[len(ts)-a.maxPerKey:]
	}
	if len(ts) == 0 {
		delete(a.byKey, keyID)
		return nil
	}
	a.byKey[keyID] = ts
	return ts
}

// Record notes one request for the key at the given instant.
func (a *Accountant) Record(keyID string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.evictLocked(keyID, now)
	a.byKey[keyID] = append(ts, now)
	if len(a.byKey[keyID]) > a.maxPerKey {
		a.byKey[keyID] = a.byKey[keyID][len(a.byKey[keyID])-a.maxPerKey:]
	}
}

// InWindow reports how many requests the key made within the full window.
func (a *Accountant) InWindow(keyID string, now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.evictLocked(keyID, now))
}

// Aggregate returns the key's counts over the last minute, hour and day in
// one pass over its timestamps.
func (a *Accountant) Aggregate(keyID string, now time.Time) WindowCounts {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.evictLocked(keyID, now)
	var wc WindowCounts
	m := now.Add(-time.Minute)
	h := now.Add(-time.Hour)
	d := now.Add(-24 * time.Hour)
	for _, t := range ts {
		if !t.Before(d) {
			wc.Last24h++
		}
		if !t.Before(h) {
			wc.Last1h++
		}
		if !t.Before(m) {
			wc.Last1m++
		}
	}
	return wc
}

// Forget drops all state for the key, typically after deletion.
func (a *Accountant) Forget(keyID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byKey, keyID)
}

// Reset drops all usage state for every key.
func (a *Accountant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byKey = make(map[string][]time.Time)
}

// TrackedKeys lists the key ids that currently have usage entries.
func (a *Accountant) TrackedKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.byKey))
	for keyID := range a.byKey {
		out = append(out, keyID)
	}
	return out
}

// GC evicts expired timestamps for every tracked key and returns how many
// keys still have entries. Intended for a periodic sweep.
func (a *Accountant) GC(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for keyID := range a.byKey {
		a.evictLocked(keyID, now)
	}
	return len(a.byKey)
}
