package conntrack

import (
	"time"

	"github.com/gavv/monotime"
)

// monotonicNow returns time elapsed since boot, matching the kernel-side
// bpf_ktime_get_boot_ns() clock the eviction timers in conntrack.rs are
// computed against. Using the same clock source keeps eviction_time
// comparisons meaningful even across a wall-clock step (NTP adjustment,
// leap second).
func monotonicNow() time.Duration {
	return monotime.Now()
}
