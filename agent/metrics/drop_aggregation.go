package metrics

import (
	"context"
	"time"
)

const dropAggregationInterval = 10 * time.Second

// DropStatKey identifies one per-CPU map entry: a drop reason, the
// direction it was observed in, and the fexit hook's raw return value.
// Different hooks report different return_val under the same
// (reason, direction), so return_val stays part of the key during
// accumulation even though it never reaches a metric label.
type DropStatKey struct {
	Reason    string
	Direction string
	ReturnVal int32
}

// DropStatValue is one per-CPU slot's count/bytes for a DropStatKey.
type DropStatValue struct {
	Count uint64
	Bytes uint64
}

// DropStatsReader returns the current per-CPU snapshot of the kernel drop
// map: for each key, one value per CPU. The caller owns summing across
// CPUs; UpdateDropGauges does that plus the reason+direction accumulation
// needed so different fexit return values don't overwrite each other's
// gauge write.
type DropStatsReader func() (map[DropStatKey][]DropStatValue, error)

// UpdateDropGauges sums perCPU across every CPU for each key, then
// accumulates into a (reason, direction) total before writing the
// drop_count gauge, so two keys sharing a label set under different
// return_val values don't overwrite each other's gauge write.
func (r *Registry) UpdateDropGauges(snapshot map[DropStatKey][]DropStatValue) {
	type label struct{ reason, direction string }
	totals := make(map[label]uint64)

	for key, perCPU := range snapshot {
		var sum uint64
		for _, v := range perCPU {
			sum += v.Count
		}
		l := label{reason: key.Reason, direction: key.Direction}
		totals[l] += sum
	}

	for l, count := range totals {
		r.dropGauge.WithLabelValues(l.reason, l.direction).Set(float64(count))
	}
}

// RunDropAggregation drives the periodic drop-metrics cycle until ctx is
// cancelled: every 10s, read the per-CPU drop map via reader and update the
// drop_count gauges, then sweep stale drop_flow_count label sets using ttl.
func (r *Registry) RunDropAggregation(ctx context.Context, reader DropStatsReader, ttl time.Duration) error {
	ticker := time.NewTicker(dropAggregationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snapshot, err := reader()
			if err != nil {
				continue
			}
			r.UpdateDropGauges(snapshot)
			r.SweepDropFlow(ttl)
		}
	}
}
