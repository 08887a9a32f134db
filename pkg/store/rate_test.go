package store

import (
	"testing"
	"time"
)

func TestRateBelowMinWindowReturnsZero(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewRateWindow(start, 0)
	if r := w.Rate(start.Add(2*time.Second), 1000); r != 0 {
		t.Fatalf("rate = %v, want 0 below min window", r)
	}
}

func TestRateAfterMinWindow(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewRateWindow(start, 0)
	r := w.Rate(start.Add(10*time.Second), 1000)
	if r < 99 || r > 101 {
		t.Fatalf("rate = %v, want ~100", r)
	}
}

func TestRateRefreshesSnapshotOnEveryComputedRate(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewRateWindow(start, 0)

	w.Rate(start.Add(70*time.Second), 700)
	if w.snapCount != 700 {
		t.Fatalf("snapshot did not refresh: snapCount = %d", w.snapCount)
	}

	r := w.Rate(start.Add(71*time.Second), 700)
	if r != 0 {
		t.Fatalf("rate right after refresh = %v, want 0 (below min window)", r)
	}
}

// TestRateResetsWithinFloorAfterRecentComputation covers the documented
// scenario: push 1000, wait 10s (rate ~100), then query again within 5s
// with no further pushes -- the second call must see a just-refreshed
// snapshot and report 0 rather than reusing the stale 10s-old elapsed time.
func TestRateResetsWithinFloorAfterRecentComputation(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewRateWindow(start, 0)

	r1 := w.Rate(start.Add(10*time.Second), 1000)
	if r1 < 99 || r1 > 101 {
		t.Fatalf("rate = %v, want ~100", r1)
	}

	r2 := w.Rate(start.Add(13*time.Second), 1000)
	if r2 != 0 {
		t.Fatalf("rate = %v, want 0 (queried within min window of refreshed snapshot)", r2)
	}
}
