package store

import (
	"sync"
	"time"
)

const rateMinWindow = 5 * time.Second

// RateWindow computes a windowed rate from a monotonically increasing
// counter (Ring.SeenTotal), per the flows_rate algorithm: record a
// (timestamp, count) snapshot; on query, if at least rateMinWindow has
// elapsed since the snapshot, report delta/elapsed and immediately refresh
// the snapshot to (now, count) so the next query starts its own window;
// below rateMinWindow, report 0 without disturbing the snapshot (so a
// burst of queries within one window all measure against the same
// reference point instead of each other).
type RateWindow struct {
	mu        sync.Mutex
	snapAt    time.Time
	snapCount uint64
}

// NewRateWindow returns a RateWindow with its snapshot seeded at the given
// starting count, as of now.
func NewRateWindow(now time.Time, startCount uint64) *RateWindow {
	return &RateWindow{snapAt: now, snapCount: startCount}
}

// Rate reports the observed rate in events/sec given the current time and
// counter value.
func (w *RateWindow) Rate(now time.Time, count uint64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := now.Sub(w.snapAt)
	if elapsed < rateMinWindow {
		return 0
	}

	rate := float64(count-w.snapCount) / elapsed.Seconds()

	w.snapAt = now
	w.snapCount = count
	return rate
}
