// Package ratelimit bounds per-device request frequency and detects
// abusive request patterns.
//
// Both mechanisms keep ephemeral, process-local state keyed by device ID
// in a shard.Map; each device's counters are guarded by their own mutex so
// a retry storm from one agent never slows another device down. State is
// rebuilt from zero on restart.
package ratelimit

import (
	"sync"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/shard"
)

// Limiter is a fixed-window request counter.
//
// A window opens on the first request and lasts Window. Within a window
// the first Max requests are allowed and every further one is rejected.
// The next request arriving more than Window after the window start opens
// a fresh window.
type Limiter struct {
	window time.Duration
	max    int
	clock  clock.Clock
	state  *shard.Map[fixedWindow]
}

type fixedWindow struct {
	mu       sync.Mutex
	start    time.Time
	count    int
	lastSeen time.Time
}

// NewLimiter builds a Limiter. shards <= 0 selects shard.DefaultShards.
func NewLimiter(window time.Duration, max int, shards int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		window: window,
		max:    max,
		clock:  clk,
		state:  shard.New[fixedWindow](shards, nil),
	}
}

// Allow records one request for deviceID and reports whether it fits in
// the current window.
func (l *Limiter) Allow(deviceID string) bool {
	now := l.clock.Now()
	w := l.state.Get(deviceID)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now
	if w.start.IsZero() || now.Sub(w.start) > l.window {
		w.start = now
		w.count = 1
		return w.count <= l.max
	}
	w.count++
	return w.count <= l.max
}

// Remaining returns how many requests deviceID may still make in its
// current window.
func (l *Limiter) Remaining(deviceID string) int {
	w, ok := l.state.Peek(deviceID)
	if !ok {
		return l.max
	}
	now := l.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() || now.Sub(w.start) > l.window {
		return l.max
	}
	if left := l.max - w.count; left > 0 {
		return left
	}
	return 0
}

// Evict drops devices that have been quiet for longer than idle and whose
// window has closed. Returns the number of entries removed.
func (l *Limiter) Evict(idle time.Duration) int {
	now := l.clock.Now()
	removed := 0
	l.state.Range(func(key string, _ *fixedWindow) bool {
		if l.state.DeleteIf(key, func(w *fixedWindow) bool {
			w.mu.Lock()
			defer w.mu.Unlock()
			return now.Sub(w.lastSeen) > idle && now.Sub(w.start) > l.window
		}) {
			removed++
		}
		return true
	})
	return removed
}
