// Package events reads kernel-produced packet and drop records off a ring
// buffer or per-CPU perf event array, validates and decodes their fixed
// wire layout, and (for packet records) runs them through conntrack.Table
// before handing the enriched result onward for flow conversion. The wire
// layouts mirror the structs kernel tracing programs emit in
// original_source/experimental/plugins/packetparser/common/src/lib.rs and
// original_source/experimental/plugins/dropreason/common/src/lib.rs; what
// those programs run in-kernel, conntrack.Table runs here instead, since
// this agent observes captured packet metadata rather than running inside
// the kernel itself.
package events

import (
	"encoding/binary"
	"fmt"

	"github.com/netobs/netobs/agent/conntrack"
)

// PacketSampleSize is the fixed wire size of a PacketSample record.
const PacketSampleSize = 32

// PacketSample is the pre-conntrack record: a single observed packet's
// 5-tuple, proto, observation point and TCP flags, plus the caller's
// precomputed sampling decision. It carries none of the conntrack-derived
// fields yet -- those are filled in by running the sample through
// conntrack.Table.Process.
type PacketSample struct {
	TsNS             uint64
	Bytes            uint32
	SrcIP            uint32
	DstIP            uint32
	SrcPort          uint16
	DstPort          uint16
	Proto            conntrack.Proto
	ObservationPoint conntrack.ObservationPoint
	Flags            uint16
	Sampled          bool
}

// DecodePacketSample performs an unaligned read of raw into a PacketSample.
// raw must be at least PacketSampleSize bytes; shorter records are rejected
// with an error.
func DecodePacketSample(raw []byte) (PacketSample, error) {
	if len(raw) < PacketSampleSize {
		return PacketSample{}, fmt.Errorf("events: packet record too short: %d < %d", len(raw), PacketSampleSize)
	}
	var sampled byte
	if len(raw) > 28 {
		sampled = raw[28]
	}
	return PacketSample{
		TsNS:  binary.LittleEndian.Uint64(raw[0:8]),
		Bytes: binary.LittleEndian.Uint32(raw[8:12]),
		// Addresses are carried in network byte order straight off the
		// wire (see pkg/netaddr), unlike the host-order scalar fields.
		SrcIP:            binary.BigEndian.Uint32(raw[12:16]),
		DstIP:            binary.BigEndian.Uint32(raw[16:20]),
		SrcPort:          binary.LittleEndian.Uint16(raw[20:22]),
		DstPort:          binary.LittleEndian.Uint16(raw[22:24]),
		Proto:            conntrack.Proto(raw[24]),
		ObservationPoint: conntrack.ObservationPoint(raw[25]),
		Flags:            binary.LittleEndian.Uint16(raw[26:28]),
		Sampled:          sampled != 0,
	}, nil
}

// PacketEvent is the fully enriched record handed from the reader to flow
// conversion: a PacketSample plus everything conntrack.Table.Process
// derived from it (reply direction, traffic direction, since-last-report
// accumulators, cumulative metadata).
type PacketEvent struct {
	TsNS                uint64
	Bytes               uint32
	SrcIP               uint32
	DstIP               uint32
	SrcPort             uint16
	DstPort             uint16
	Proto               conntrack.Proto
	ObservationPoint    conntrack.ObservationPoint
	TrafficDirection    conntrack.TrafficDirection
	Flags               uint16
	IsReply             bool
	PrevObservedPackets uint32
	PrevObservedBytes   uint32
	PrevObservedFlags   conntrack.FlagCounts
	CTMetadata          conntrack.Metadata
}

func buildPacketEvent(s PacketSample, rep conntrack.Report) PacketEvent {
	return PacketEvent{
		TsNS:                s.TsNS,
		Bytes:               s.Bytes,
		SrcIP:               s.SrcIP,
		DstIP:               s.DstIP,
		SrcPort:             s.SrcPort,
		DstPort:             s.DstPort,
		Proto:               s.Proto,
		ObservationPoint:    s.ObservationPoint,
		TrafficDirection:    rep.TrafficDirection,
		Flags:               s.Flags,
		IsReply:             rep.IsReply,
		PrevObservedPackets: rep.PrevObservedPkts,
		PrevObservedBytes:   rep.PrevObservedBytes,
		PrevObservedFlags:   rep.PrevObservedFlags,
		CTMetadata:          rep.Metadata,
	}
}

// key builds the conntrack.Key for a sample; only TCP and UDP participate in
// connection tracking.
func (s PacketSample) key() conntrack.Key {
	return conntrack.Key{
		SrcIP:   s.SrcIP,
		DstIP:   s.DstIP,
		SrcPort: s.SrcPort,
		DstPort: s.DstPort,
		Proto:   s.Proto,
	}
}
