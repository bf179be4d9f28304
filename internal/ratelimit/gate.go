/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ratelimit implements sliding-window admission gates. A gate
// counts recorded successes inside a rolling window; checking and
// recording are separate so failed attempts never consume quota.
package ratelimit

import (
	"sync"
	"time"
)

// maxRetained caps the timestamps kept per key. Windows are small enough
// that anything beyond the most recent entries can never matter.
const maxRetained = 20

// Gate is a sliding-window admission gate keyed by an arbitrary string
// (user ID, source IP).
type Gate struct {
	name   string
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string][]time.Time

	now func() time.Time
}

// NewGate creates a gate allowing limit recorded successes per window.
func NewGate(name string, limit int, window time.Duration) *Gate {
	return &Gate{
		name:    name,
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Name identifies the gate in logs and metrics.
func (g *Gate) Name() string {
	return g.name
}

// Allow reports whether key has quota left. It prunes expired entries but
// records nothing; call Record after the guarded operation succeeds.
func (g *Gate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.pruneLocked(key)) < g.limit
}

// Record notes a successful operation for key.
func (g *Gate) Record(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := append(g.pruneLocked(key), g.now())
	if len(kept) > maxRetained {
		kept = kept[len(kept)-maxRetained:]
	}
	g.buckets[key] = kept
}

// Sweep drops keys whose windows have fully drained and returns how many
// were removed. Runs on a background ticker so idle principals do not
// accumulate forever.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key := range g.buckets {
		if len(g.pruneLocked(key)) == 0 {
			removed++
		}
	}
	return removed
}

// pruneLocked removes entries older than the window for key, stores the
// survivors, and drops the key entirely once empty. Caller holds g.mu.
func (g *Gate) pruneLocked(key string) []time.Time {
	entries, ok := g.buckets[key]
	if !ok {
		return nil
	}

	cutoff := g.now().Add(-g.window)
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) == 0 {
		delete(g.buckets, key)
		return nil
	}
	g.buckets[key] = kept
	return kept
}
