package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLimiterExactCap(t *testing.T) {
	clk := clock.Fake(epoch)
	l := NewLimiter(time.Minute, 5, 4, clk)

	for i := 1; i <= 5; i++ {
		if !l.Allow("laptop") {
			t.Fatalf("request %d: rejected, want allowed", i)
		}
		clk.Advance(time.Second)
	}
	if l.Allow("laptop") {
		t.Fatal("request 6: allowed, want rejected")
	}
	if got := l.Remaining("laptop"); got != 0 {
		t.Errorf("Remaining: got %d, want 0", got)
	}
}

func TestLimiterWindowRollover(t *testing.T) {
	clk := clock.Fake(epoch)
	l := NewLimiter(time.Minute, 2, 4, clk)

	l.Allow("laptop")
	l.Allow("laptop")
	if l.Allow("laptop") {
		t.Fatal("third request in window: allowed, want rejected")
	}

	// Exactly one window later is still the same window.
	clk.Advance(time.Minute)
	if l.Allow("laptop") {
		t.Fatal("request at window boundary: allowed, want rejected")
	}

	clk.Advance(time.Nanosecond)
	if !l.Allow("laptop") {
		t.Fatal("request after rollover: rejected, want allowed")
	}
	if got := l.Remaining("laptop"); got != 1 {
		t.Errorf("Remaining: got %d, want 1", got)
	}
}

func TestLimiterDevicesIndependent(t *testing.T) {
	l := NewLimiter(time.Minute, 1, 4, clock.Fake(epoch))
	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("first request per device should be allowed")
	}
	if l.Allow("a") {
		t.Error("device a: second request allowed, want rejected")
	}
}

func TestLimiterConcurrentNoLostUpdates(t *testing.T) {
	const max = 120
	l := NewLimiter(time.Minute, max, 8, clock.Fake(epoch))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.Allow("storm") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != max {
		t.Errorf("allowed: got %d, want %d", got, max)
	}
}

func TestLimiterEvict(t *testing.T) {
	clk := clock.Fake(epoch)
	l := NewLimiter(time.Minute, 10, 4, clk)
	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("device-%d", i))
	}
	clk.Advance(10 * time.Minute)
	l.Allow("device-0")

	if got := l.Evict(5 * time.Minute); got != 2 {
		t.Errorf("Evict: got %d, want 2", got)
	}
	if got := l.Remaining("device-0"); got != 9 {
		t.Errorf("Remaining after evict: got %d, want 9", got)
	}
}
