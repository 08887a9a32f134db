package events

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// DropEventSize is the fixed wire size of a DropEvent record.
const DropEventSize = 36

// DropReason classifies why a packet never reached its destination,
// mirroring the DropReason enum kernel tracing programs assign.
type DropReason uint8

const (
	DropIptableRule DropReason = iota
	DropIptableNAT
	DropTCPConnect
	DropTCPAccept
	DropConntrack
	DropKernel
	DropTCPRetransmit
	DropTCPSendReset
	DropTCPReceiveReset
	DropUnknown DropReason = 255
)

// String names a DropReason the way metrics labels and flow extensions
// render it.
func (r DropReason) String() string {
	switch r {
	case DropIptableRule:
		return "IPTABLE_RULE_DROP"
	case DropIptableNAT:
		return "IPTABLE_NAT_DROP"
	case DropTCPConnect:
		return "TCP_CONNECT_DROP"
	case DropTCPAccept:
		return "TCP_ACCEPT_DROP"
	case DropConntrack:
		return "CONNTRACK_DROP"
	case DropKernel:
		return "KERNEL_DROP"
	case DropTCPRetransmit:
		return "TCP_RETRANSMIT"
	case DropTCPSendReset:
		return "TCP_SEND_RESET"
	case DropTCPReceiveReset:
		return "TCP_RECEIVE_RESET"
	default:
		return "UNKNOWN"
	}
}

// DropEvent is a single dropped-packet record, already complete as emitted:
// unlike PacketEvent, drops carry no conntrack-derived fields.
type DropEvent struct {
	TsNS             uint64
	SrcIP            uint32
	DstIP            uint32
	SrcPort          uint16
	DstPort          uint16
	Bytes            uint32
	Proto            uint8
	DropReason       DropReason
	TrafficDirection uint8 // 0=unknown, 1=ingress, 2=egress
	ReturnCode       int8
	PID              uint32
	KernelDropReason uint32
}

// DecodeDropEvent performs an unaligned read of raw into a DropEvent.
func DecodeDropEvent(raw []byte) (DropEvent, error) {
	if len(raw) < DropEventSize {
		return DropEvent{}, fmt.Errorf("events: drop record too short: %d < %d", len(raw), DropEventSize)
	}
	return DropEvent{
		TsNS:             binary.LittleEndian.Uint64(raw[0:8]),
		SrcIP:            binary.BigEndian.Uint32(raw[8:12]),
		DstIP:            binary.BigEndian.Uint32(raw[12:16]),
		SrcPort:          binary.LittleEndian.Uint16(raw[16:18]),
		DstPort:          binary.LittleEndian.Uint16(raw[18:20]),
		Bytes:            binary.LittleEndian.Uint32(raw[20:24]),
		Proto:            raw[24],
		DropReason:       DropReason(raw[25]),
		TrafficDirection: raw[26],
		ReturnCode:       int8(raw[27]),
		PID:              binary.LittleEndian.Uint32(raw[28:32]),
		KernelDropReason: binary.LittleEndian.Uint32(raw[32:36]),
	}, nil
}

// ResolveSourceIP attempts to recover a drop event's source address from
// /proc/{pid}/net/fib_trie when the kernel hook had no skb to read it from
// (src_ip == 0, observed for some sock-based hooks). It looks for "|-- <ip>"
// lines immediately followed by a "/32 host LOCAL" line and returns the
// first non-loopback IPv4 match.
func ResolveSourceIP(pid uint32) (string, bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/net/fib_trie", pid))
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var pendingIP string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "|--") {
			pendingIP = strings.TrimSpace(strings.TrimPrefix(line, "|--"))
			continue
		}
		if pendingIP != "" && strings.Contains(line, "/32 host LOCAL") {
			if pendingIP != "127.0.0.1" && !strings.HasPrefix(pendingIP, "127.") {
				return pendingIP, true
			}
		}
		pendingIP = ""
	}
	return "", false
}
