package ratelimit

import (
	"sync"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/shard"
)

// DetectorConfig tunes the origin-diversity detector.
type DetectorConfig struct {
	// Period is the rolling observation window.
	Period time.Duration
	// MaxOrigins is the number of distinct origins tolerated per period.
	MaxOrigins int
	// MaxVolume is the number of requests tolerated per period.
	MaxVolume int
}

// Verdict is the outcome of observing one request.
type Verdict struct {
	// Suspicious is true while the device is flagged for this period.
	Suspicious bool
	// Flagged is true only for the request that raised the flag.
	Flagged bool
	// Origins and Requests describe the current period.
	Origins  int
	Requests int
}

// Detector flags devices that report from too many distinct origins or
// at too high a volume within one period. A flagged device stays flagged
// until its period rolls over; there is no manual reset.
type Detector struct {
	cfg   DetectorConfig
	clock clock.Clock
	state *shard.Map[originWindow]
}

type originWindow struct {
	mu         sync.Mutex
	start      time.Time
	origins    map[string]struct{}
	requests   int
	violations int
	flagged    bool
	lastSeen   time.Time
}

// NewDetector builds a Detector.
func NewDetector(cfg DetectorConfig, shards int, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.Real()
	}
	return &Detector{
		cfg:   cfg,
		clock: clk,
		state: shard.New[originWindow](shards, nil),
	}
}

// Observe records one request from origin for deviceID.
func (d *Detector) Observe(deviceID, origin string) Verdict {
	now := d.clock.Now()
	w := d.state.Get(deviceID)

	w.mu.Lock()
	defer w.mu.Unlock()
	d.rollLocked(w, now)
	w.lastSeen = now
	w.requests++
	// The set only needs to grow one past the threshold to prove a
	// violation, which keeps it bounded regardless of attacker input.
	if origin != "" && len(w.origins) <= d.cfg.MaxOrigins {
		w.origins[origin] = struct{}{}
	}

	v := Verdict{Origins: len(w.origins), Requests: w.requests}
	if !w.flagged && (len(w.origins) > d.cfg.MaxOrigins || w.requests > d.cfg.MaxVolume) {
		w.flagged = true
		v.Flagged = true
	}
	v.Suspicious = w.flagged
	return v
}

// RecordViolation counts a rejected ownership claim against deviceID and
// returns the number of violations seen in the current period.
func (d *Detector) RecordViolation(deviceID string) int {
	now := d.clock.Now()
	w := d.state.Get(deviceID)

	w.mu.Lock()
	defer w.mu.Unlock()
	d.rollLocked(w, now)
	w.lastSeen = now
	w.violations++
	return w.violations
}

// Suspicious reports whether deviceID is flagged right now, without
// recording a request.
func (d *Detector) Suspicious(deviceID string) bool {
	w, ok := d.state.Peek(deviceID)
	if !ok {
		return false
	}
	now := d.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	d.rollLocked(w, now)
	return w.flagged
}

// Evict drops devices idle for longer than idle whose period has ended.
func (d *Detector) Evict(idle time.Duration) int {
	now := d.clock.Now()
	removed := 0
	d.state.Range(func(key string, _ *originWindow) bool {
		if d.state.DeleteIf(key, func(w *originWindow) bool {
			w.mu.Lock()
			defer w.mu.Unlock()
			return now.Sub(w.lastSeen) > idle && now.Sub(w.start) > d.cfg.Period
		}) {
			removed++
		}
		return true
	})
	return removed
}

func (d *Detector) rollLocked(w *originWindow, now time.Time) {
	if w.origins != nil && now.Sub(w.start) <= d.cfg.Period {
		return
	}
	w.start = now
	w.origins = make(map[string]struct{}, d.cfg.MaxOrigins+1)
	w.requests = 0
	w.violations = 0
	w.flagged = false
}
