// Package conntrack implements the agent's per-5-tuple connection tracking
// state machine: create/report/timeout decisions for TCP and
// UDP flows, grounded on the kernel-side state machine in
// original_source/experimental/plugins/packetparser/ebpf/src/conntrack.rs.
// The eBPF program there runs inline with packet processing and mutates a
// kernel LruHashMap in place; here the same decision tree runs against a
// mutex-protected Go map since this agent observes already-captured packet
// metadata rather than running in-kernel.
package conntrack

import (
	"sync"
	"time"
)

// Flag bits, matching the TCP header's control-bit layout.
const (
	FlagFIN uint16 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

const (
	ctSynTimeout     = 60 * time.Second
	ctLifetimeTCP    = 360 * time.Second
	ctLifetimeNonTCP = 60 * time.Second
	ctTimeWaitTCP    = 30 * time.Second
	ctReportInterval = 30 * time.Second
)

// Proto identifies the IP protocol a Key was built from.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

// ObservationPoint is where a packet was captured, used to derive an
// entry's traffic direction once at creation time.
type ObservationPoint int

const (
	FromEndpoint ObservationPoint = iota
	ToEndpoint
	FromNetwork
	ToNetwork
)

// TrafficDirection is the ingress/egress classification fixed at entry
// creation, independent of which side (forward/reverse key) a later packet
// matches.
type TrafficDirection int

const (
	DirUnknown TrafficDirection = iota
	DirIngress
	DirEgress
)

func (d TrafficDirection) String() string {
	switch d {
	case DirIngress:
		return "ingress"
	case DirEgress:
		return "egress"
	default:
		return "unknown"
	}
}

func trafficDirection(obs ObservationPoint) TrafficDirection {
	switch obs {
	case FromEndpoint, ToNetwork:
		return DirEgress
	case ToEndpoint, FromNetwork:
		return DirIngress
	default:
		return DirUnknown
	}
}

// Key is the 5-tuple identifying a tracked connection.
type Key struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Proto   Proto
}

func (k Key) reverse() Key {
	return Key{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort, Proto: k.Proto}
}

// FlagCounts accumulates per-flag packet counts since the last report for
// one direction, mirroring TcpFlagsCount.
type FlagCounts struct {
	SYN, ACK, FIN, RST, PSH, URG, ECE, CWR, NS uint32
}

func (c *FlagCounts) record(flags uint16) {
	if flags&FlagSYN != 0 {
		c.SYN++
	}
	if flags&FlagACK != 0 {
		c.ACK++
	}
	if flags&FlagFIN != 0 {
		c.FIN++
	}
	if flags&FlagRST != 0 {
		c.RST++
	}
	if flags&FlagPSH != 0 {
		c.PSH++
	}
	if flags&FlagURG != 0 {
		c.URG++
	}
	if flags&FlagECE != 0 {
		c.ECE++
	}
	if flags&FlagCWR != 0 {
		c.CWR++
	}
	if flags&FlagNS != 0 {
		c.NS++
	}
}

// Metadata carries lifetime cumulative packet/byte counts for both
// directions of a tracked connection.
type Metadata struct {
	PacketsTX, PacketsRX uint64
	BytesTX, BytesRX     uint64
}

// dirState is the per-direction accumulator pair kept inside an Entry.
type dirState struct {
	flagsSeen        uint16
	lastReport       time.Duration // monotonic clock reading, zero = never
	bytesSinceReport uint32
	pktsSinceReport  uint32
	flagsSinceReport FlagCounts
}

// Entry is one tracked connection.
type Entry struct {
	EvictionTime      time.Duration // monotonic deadline
	TrafficDirection  TrafficDirection
	IsDirectionUnknown bool

	tx, rx   dirState
	Metadata Metadata
}

// Report describes the per-packet processing outcome: whether it should be
// emitted, plus the accumulated context to attach.
type Report struct {
	ShouldReport      bool
	IsReply           bool
	TrafficDirection  TrafficDirection
	PrevObservedPkts  uint32
	PrevObservedBytes uint32
	PrevObservedFlags FlagCounts
	Metadata          Metadata
}

// Packet is the subset of packet metadata conntrack needs; agent/flow
// builds one of these from a kernel PacketEvent.
type Packet struct {
	Key     Key
	Flags   uint16
	Bytes   uint32
	Obs     ObservationPoint
	Sampled bool
}

// Table is the live set of tracked connections for one agent. Table.Process
// is safe for concurrent use by multiple packet-processing goroutines,
// though in practice this agent runs one reader goroutine per kernel event
// source, so contention is expected to be low.
type Table struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	now     func() time.Duration // overridden in tests
}

// NewTable returns an empty connection table.
func NewTable() *Table {
	return &Table{entries: make(map[Key]*Entry), now: monotonicNow}
}

// Process runs the create/report/timeout decision tree for one packet
// and returns whether and how it should be reported.
func (t *Table) Process(pkt Packet) Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[pkt.Key]; ok {
		return t.reportExisting(pkt.Key, entry, pkt, false)
	}
	rev := pkt.Key.reverse()
	if entry, ok := t.entries[rev]; ok {
		return t.reportExisting(rev, entry, pkt, true)
	}

	switch pkt.Key.Proto {
	case ProtoTCP:
		return t.createTCP(pkt)
	case ProtoUDP:
		return t.createUDP(pkt)
	default:
		return Report{}
	}
}

// reportExisting updates an already-tracked entry with a new packet,
// matching ct_process_packet's lookup-then-account step before delegating
// to the report decision.
func (t *Table) reportExisting(key Key, entry *Entry, pkt Packet, isReply bool) Report {
	if isReply {
		entry.Metadata.PacketsRX++
		entry.Metadata.BytesRX += uint64(pkt.Bytes)
	} else {
		entry.Metadata.PacketsTX++
		entry.Metadata.BytesTX += uint64(pkt.Bytes)
	}

	dir := dirForward
	if isReply {
		dir = dirReverse
	}
	rep := t.shouldReportPacket(key, entry, pkt, dir)
	rep.IsReply = isReply
	rep.TrafficDirection = entry.TrafficDirection
	rep.Metadata = entry.Metadata
	return rep
}

type packetDir int

const (
	dirForward packetDir = iota
	dirReverse
)

// shouldReportPacket is the direct translation of ct_should_report_packet.
func (t *Table) shouldReportPacket(key Key, entry *Entry, pkt Packet, dir packetDir) Report {
	state := &entry.tx
	if dir == dirReverse {
		state = &entry.rx
	}

	prev := Report{
		PrevObservedPkts:  state.pktsSinceReport,
		PrevObservedBytes: state.bytesSinceReport,
		PrevObservedFlags: state.flagsSinceReport,
	}

	now := t.now()
	if now >= entry.EvictionTime {
		delete(t.entries, key)
		prev.ShouldReport = true
		return prev
	}

	// seenFlags is snapshotted before any mutation below, so the
	// "new flag combination" comparison further down reflects what had
	// been observed before this packet, not after.
	seenFlags := state.flagsSeen
	combined := pkt.Flags | seenFlags
	shouldReport := false

	if pkt.Key.Proto == ProtoTCP {
		bothFIN := entry.tx.flagsSeen&FlagFIN != 0 && entry.rx.flagsSeen&FlagFIN != 0
		if combined&FlagACK != 0 && combined&(FlagFIN|FlagSYN|FlagRST) == 0 && bothFIN {
			delete(t.entries, key)
			prev.ShouldReport = true
			return prev
		}
		if combined&FlagRST != 0 {
			delete(t.entries, key)
			prev.ShouldReport = true
			return prev
		}
		if pkt.Flags&FlagFIN != 0 {
			state.flagsSeen |= FlagFIN
			shouldReport = true
		}
		if pkt.Flags&(FlagSYN|FlagURG|FlagECE|FlagCWR) != 0 {
			shouldReport = true
		}
		if entry.tx.flagsSeen&FlagFIN != 0 && entry.rx.flagsSeen&FlagFIN != 0 {
			entry.EvictionTime = now + ctTimeWaitTCP
			shouldReport = true
		} else {
			entry.EvictionTime = now + ctLifetimeTCP
		}
	} else if pkt.Key.Proto == ProtoUDP {
		entry.EvictionTime = now + ctLifetimeNonTCP
	}

	if combined != seenFlags {
		state.flagsSeen = combined
	}

	report := shouldReport ||
		(pkt.Sampled && combined != seenFlags) ||
		now-state.lastReport >= ctReportInterval

	if report {
		prev.ShouldReport = true
		state.lastReport = now
		state.bytesSinceReport = 0
		state.pktsSinceReport = 0
		state.flagsSinceReport = FlagCounts{}
	} else {
		state.bytesSinceReport += pkt.Bytes
		state.pktsSinceReport++
		state.flagsSinceReport.record(pkt.Flags)
	}
	return prev
}

func (t *Table) createTCP(pkt Packet) Report {
	handshake := pkt.Flags & (FlagSYN | FlagACK)
	switch handshake {
	case FlagSYN:
		return t.createEntry(pkt.Key, pkt, false)
	case FlagSYN | FlagACK:
		return t.createEntry(pkt.Key.reverse(), pkt, true)
	}

	// Mid-stream: direction inferred from ACK presence.
	now := t.now()
	entry := &Entry{
		EvictionTime:       now + ctLifetimeTCP,
		TrafficDirection:   trafficDirection(pkt.Obs),
		IsDirectionUnknown: true,
	}
	isReply := pkt.Flags&FlagACK != 0
	key := pkt.Key
	if isReply {
		key = pkt.Key.reverse()
		entry.rx.flagsSeen = pkt.Flags
		entry.rx.lastReport = reportStamp(now, pkt.Sampled)
		entry.Metadata.PacketsRX = 1
		entry.Metadata.BytesRX = uint64(pkt.Bytes)
		if !pkt.Sampled {
			entry.rx.bytesSinceReport = pkt.Bytes
			entry.rx.pktsSinceReport = 1
			entry.rx.flagsSinceReport.record(pkt.Flags)
		}
	} else {
		entry.tx.flagsSeen = pkt.Flags
		entry.tx.lastReport = reportStamp(now, pkt.Sampled)
		entry.Metadata.PacketsTX = 1
		entry.Metadata.BytesTX = uint64(pkt.Bytes)
		if !pkt.Sampled {
			entry.tx.bytesSinceReport = pkt.Bytes
			entry.tx.pktsSinceReport = 1
			entry.tx.flagsSinceReport.record(pkt.Flags)
		}
	}
	t.entries[key] = entry

	return Report{ShouldReport: pkt.Sampled, IsReply: isReply, TrafficDirection: entry.TrafficDirection, Metadata: entry.Metadata}
}

func (t *Table) createUDP(pkt Packet) Report {
	now := t.now()
	entry := &Entry{EvictionTime: now + ctLifetimeNonTCP, TrafficDirection: trafficDirection(pkt.Obs)}
	entry.tx.flagsSeen = pkt.Flags
	entry.tx.lastReport = reportStamp(now, pkt.Sampled)
	entry.Metadata.PacketsTX = 1
	entry.Metadata.BytesTX = uint64(pkt.Bytes)
	if !pkt.Sampled {
		entry.tx.bytesSinceReport = pkt.Bytes
		entry.tx.pktsSinceReport = 1
	}
	t.entries[pkt.Key] = entry

	return Report{ShouldReport: pkt.Sampled, TrafficDirection: entry.TrafficDirection, Metadata: entry.Metadata}
}

// createEntry handles the SYN and SYN-ACK handshake cases, which share
// almost all of their setup (ct_create_new_tcp_connection). Both cases
// carry SYN, a control flag, so creation always reports regardless of
// sampling.
func (t *Table) createEntry(key Key, pkt Packet, isReply bool) Report {
	now := t.now()
	timeout := ctLifetimeTCP
	if pkt.Flags&FlagSYN != 0 && pkt.Flags&FlagACK == 0 {
		timeout = ctSynTimeout
	}
	entry := &Entry{EvictionTime: now + timeout, TrafficDirection: trafficDirection(pkt.Obs)}

	state := &entry.tx
	if isReply {
		state = &entry.rx
	}
	state.flagsSeen = pkt.Flags
	state.lastReport = now
	if isReply {
		entry.Metadata.PacketsRX = 1
		entry.Metadata.BytesRX = uint64(pkt.Bytes)
	} else {
		entry.Metadata.PacketsTX = 1
		entry.Metadata.BytesTX = uint64(pkt.Bytes)
	}
	t.entries[key] = entry

	return Report{ShouldReport: true, IsReply: isReply, TrafficDirection: entry.TrafficDirection, Metadata: entry.Metadata}
}

func reportStamp(now time.Duration, sampled bool) time.Duration {
	if sampled {
		return now
	}
	return 0
}

// Len reports the number of live tracked connections, for the conntrack
// gauges.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
