package events

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/netobs/netobs/agent/conntrack"
)

func encodePacketSample(s PacketSample) []byte {
	raw := make([]byte, PacketSampleSize)
	binary.LittleEndian.PutUint64(raw[0:8], s.TsNS)
	binary.LittleEndian.PutUint32(raw[8:12], s.Bytes)
	binary.BigEndian.PutUint32(raw[12:16], s.SrcIP)
	binary.BigEndian.PutUint32(raw[16:20], s.DstIP)
	binary.LittleEndian.PutUint16(raw[20:22], s.SrcPort)
	binary.LittleEndian.PutUint16(raw[22:24], s.DstPort)
	raw[24] = byte(s.Proto)
	raw[25] = byte(s.ObservationPoint)
	binary.LittleEndian.PutUint16(raw[26:28], s.Flags)
	if s.Sampled {
		raw[28] = 1
	}
	return raw
}

func TestDecodePacketSampleRoundTrip(t *testing.T) {
	want := PacketSample{
		TsNS: 123456789, Bytes: 1500, SrcIP: 0x0100007f, DstIP: 0x0200007f,
		SrcPort: 443, DstPort: 51000, Proto: conntrack.ProtoTCP,
		ObservationPoint: conntrack.FromEndpoint, Flags: conntrack.FlagSYN, Sampled: true,
	}
	got, err := DecodePacketSample(encodePacketSample(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodePacketSampleRejectsShortRecord(t *testing.T) {
	if _, err := DecodePacketSample(make([]byte, PacketSampleSize-1)); err == nil {
		t.Fatal("expected error for short record")
	}
}

func encodeDropEvent(d DropEvent) []byte {
	raw := make([]byte, DropEventSize)
	binary.LittleEndian.PutUint64(raw[0:8], d.TsNS)
	binary.BigEndian.PutUint32(raw[8:12], d.SrcIP)
	binary.BigEndian.PutUint32(raw[12:16], d.DstIP)
	binary.LittleEndian.PutUint16(raw[16:18], d.SrcPort)
	binary.LittleEndian.PutUint16(raw[18:20], d.DstPort)
	binary.LittleEndian.PutUint32(raw[20:24], d.Bytes)
	raw[24] = d.Proto
	raw[25] = byte(d.DropReason)
	raw[26] = d.TrafficDirection
	raw[27] = byte(d.ReturnCode)
	binary.LittleEndian.PutUint32(raw[28:32], d.PID)
	binary.LittleEndian.PutUint32(raw[32:36], d.KernelDropReason)
	return raw
}

func TestDecodeDropEventRoundTrip(t *testing.T) {
	want := DropEvent{
		TsNS: 42, SrcIP: 0x0100007f, DstIP: 0x0200007f, SrcPort: 80, DstPort: 9000,
		Bytes: 64, Proto: 6, DropReason: DropConntrack, TrafficDirection: 1,
		ReturnCode: -1, PID: 4242, KernelDropReason: 7,
	}
	got, err := DecodeDropEvent(encodeDropEvent(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDropReasonString(t *testing.T) {
	if got := DropConntrack.String(); got != "CONNTRACK_DROP" {
		t.Fatalf("got %q", got)
	}
	if got := DropReason(200).String(); got != "UNKNOWN" {
		t.Fatalf("got %q for out-of-range reason", got)
	}
}

// fakeSource replays a fixed list of raw records, then reports closed.
type fakeSource struct {
	mu      sync.Mutex
	records [][]byte
	closed  bool
}

func (f *fakeSource) Read() ([]byte, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, 0, ErrSourceClosed
	}
	if len(f.records) == 0 {
		f.closed = true
		return nil, 0, ErrSourceClosed
	}
	rec := f.records[0]
	f.records = f.records[1:]
	return rec, 0, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRunPacketReaderAppliesConntrackAndReports(t *testing.T) {
	syn := PacketSample{
		TsNS: 1, Bytes: 40, SrcIP: 1, DstIP: 2, SrcPort: 1111, DstPort: 80,
		Proto: conntrack.ProtoTCP, ObservationPoint: conntrack.FromEndpoint,
		Flags: conntrack.FlagSYN, Sampled: false,
	}
	src := &fakeSource{records: [][]byte{encodePacketSample(syn)}}

	ct := conntrack.NewTable()
	var got []PacketEvent
	err := RunPacketReader(context.Background(), src, "ring", ct, func(pe PacketEvent) {
		got = append(got, pe)
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 packet event, got %d", len(got))
	}
	if got[0].Flags != conntrack.FlagSYN {
		t.Fatalf("expected SYN flags preserved, got %v", got[0].Flags)
	}
	if got[0].TrafficDirection != conntrack.DirEgress {
		t.Fatalf("expected egress direction for FromEndpoint, got %v", got[0].TrafficDirection)
	}
}

func TestRunPacketReaderSkipsUnreportableSamples(t *testing.T) {
	// A mid-connection unsampled packet with no control flags shouldn't be
	// reported (no new flag combination, report interval not yet elapsed).
	syn := PacketSample{
		TsNS: 1, Bytes: 40, SrcIP: 1, DstIP: 2, SrcPort: 1111, DstPort: 80,
		Proto: conntrack.ProtoTCP, ObservationPoint: conntrack.FromEndpoint,
		Flags: conntrack.FlagSYN, Sampled: true,
	}
	ack := PacketSample{
		TsNS: 2, Bytes: 40, SrcIP: 2, DstIP: 1, SrcPort: 80, DstPort: 1111,
		Proto: conntrack.ProtoTCP, ObservationPoint: conntrack.ToEndpoint,
		Flags: conntrack.FlagACK, Sampled: false,
	}
	src := &fakeSource{records: [][]byte{encodePacketSample(syn), encodePacketSample(ack)}}

	ct := conntrack.NewTable()
	var got []PacketEvent
	err := RunPacketReader(context.Background(), src, "ring", ct, func(pe PacketEvent) {
		got = append(got, pe)
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the sampled SYN to report, got %d events", len(got))
	}
}

func TestRunPacketReaderCountsLostRecords(t *testing.T) {
	lost := &lossySource{}
	var reasons []string
	err := RunPacketReader(context.Background(), lost, "perf", conntrack.NewTable(), nil, func(sourceType, reason string) {
		reasons = append(reasons, sourceType+":"+reason)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reasons) != 1 || reasons[0] != "perf:buffer_overflow" {
		t.Fatalf("expected one buffer_overflow reason, got %v", reasons)
	}
}

// lossySource reports one lost record then closes.
type lossySource struct {
	done bool
}

func (l *lossySource) Read() ([]byte, uint64, error) {
	if l.done {
		return nil, 0, ErrSourceClosed
	}
	l.done = true
	return nil, 3, nil
}

func (l *lossySource) Close() error { return nil }

func TestRunDropReaderDecodesAndDispatches(t *testing.T) {
	d := DropEvent{TsNS: 1, SrcIP: 1, DstIP: 2, SrcPort: 1, DstPort: 2, Bytes: 10, Proto: 6, DropReason: DropTCPSendReset, PID: 99}
	src := &fakeSource{records: [][]byte{encodeDropEvent(d)}}

	var got []DropEvent
	err := RunDropReader(context.Background(), src, "ring", func(de DropEvent) {
		got = append(got, de)
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].DropReason != DropTCPSendReset {
		t.Fatalf("unexpected drops: %+v", got)
	}
}

func TestRunPacketReaderStopsOnContextCancel(t *testing.T) {
	src := &blockingSource{unblock: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- RunPacketReader(ctx, src, "ring", conntrack.NewTable(), nil, nil)
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunPacketReader did not return after context cancellation")
	}
}

// blockingSource blocks until Close is called, then reports closed.
type blockingSource struct {
	unblock chan struct{}
	once    sync.Once
}

func (b *blockingSource) Read() ([]byte, uint64, error) {
	<-b.unblock
	return nil, 0, ErrSourceClosed
}

func (b *blockingSource) Close() error {
	b.once.Do(func() { close(b.unblock) })
	return nil
}
