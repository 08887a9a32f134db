package bpfprog

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/netobs/netobs/agent/conntrack"
	"github.com/netobs/netobs/agent/events"
	"github.com/netobs/netobs/agent/metrics"
)

// rawDropStatKey is the wire layout of one drop_stats map key: a
// DropReason byte, a TrafficDirection byte (matching conntrack.DirIngress /
// DirEgress), and the fexit hook's raw return value.
type rawDropStatKey struct {
	Reason    uint8
	Direction uint8
	ReturnVal int32
}

// rawDropStatValue is one CPU's slot: packet and byte counters since the
// map was last reset.
type rawDropStatValue struct {
	Count uint64
	Bytes uint64
}

// DropStatsReader returns a metrics.DropStatsReader that iterates m (a
// BPF_MAP_TYPE_PERCPU_HASH keyed by rawDropStatKey), decoding each key's
// reason/direction into the string labels the drop_count gauge uses.
func DropStatsReader(m *ebpf.Map) metrics.DropStatsReader {
	return func() (map[metrics.DropStatKey][]metrics.DropStatValue, error) {
		out := make(map[metrics.DropStatKey][]metrics.DropStatValue)

		var key rawDropStatKey
		var perCPU []rawDropStatValue
		it := m.Iterate()
		for it.Next(&key, &perCPU) {
			decoded := metrics.DropStatKey{
				Reason:    events.DropReason(key.Reason).String(),
				Direction: conntrack.TrafficDirection(key.Direction).String(),
				ReturnVal: key.ReturnVal,
			}
			values := make([]metrics.DropStatValue, len(perCPU))
			for i, v := range perCPU {
				values[i] = metrics.DropStatValue{Count: v.Count, Bytes: v.Bytes}
			}
			out[decoded] = values
		}
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("bpfprog: iterating drop_stats map: %w", err)
		}
		return out, nil
	}
}
