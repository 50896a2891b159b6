// Package ratelimit implements the sliding-window admission control used to
// gate ingest submissions (spec.md §4.1). It is intentionally not a token
// bucket: the window of past-admission timestamps is the source of truth,
// matching the original service's behavior exactly.
package ratelimit

import (
	"sync"
	"time"

	"github.com/MiamiMetro/jukebox/internal/clock"
)

// DefaultIdentity is the identity key used when callers do not key by a more
// specific value (e.g. client address). The original service always used
// this literal constant; spec.md §9 Open Question 3 leaves tightening to
// per-address keys as an implementer's choice, which this package supports
// by accepting any identity string.
const DefaultIdentity = "default"

// Limiter tracks sliding-window admission decisions per identity.
type Limiter struct {
	mu     sync.Mutex
	clock  clock.Clock
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

// New creates a Limiter allowing max requests per window, per identity.
// Defaults (5 requests / 60s) match YOUTUBE_DOWNLOAD_RATE_LIMIT /
// YOUTUBE_DOWNLOAD_RATE_WINDOW in spec.md §6.
func New(c clock.Clock, max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Limiter{clock: c, max: max, window: window, hits: make(map[string][]time.Time)}
}

// Allow drops timestamps older than window for identity; if the remaining
// count is below max it records now and returns true, else false.
func (l *Limiter) Allow(identity string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.pruneLocked(identity, now)
	if len(remaining) >= l.max {
		l.hits[identity] = remaining
		return false
	}
	l.hits[identity] = append(remaining, now)
	return true
}

// RetryAfter returns how long identity must wait before its oldest
// in-window entry ages out, or zero if there are no entries.
func (l *Limiter) RetryAfter(identity string) time.Duration {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.pruneLocked(identity, now)
	l.hits[identity] = remaining
	if len(remaining) == 0 {
		return 0
	}

	wait := l.window - now.Sub(remaining[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// pruneLocked must be called with mu held. It returns identity's timestamps
// newer than now-window, without mutating l.hits.
func (l *Limiter) pruneLocked(identity string, now time.Time) []time.Time {
	existing := l.hits[identity]
	cutoff := now.Add(-l.window)

	kept := existing[:0:0]
	for _, t := range existing {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
