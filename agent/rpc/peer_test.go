package rpc

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/netobs/netobs/agent/ipcache"
	"github.com/netobs/netobs/pkg/identity"
)

type fakeNotifyStream struct {
	ctx  context.Context
	sent chan *ChangeNotification
}

func newFakeNotifyStream(ctx context.Context) *fakeNotifyStream {
	return &fakeNotifyStream{ctx: ctx, sent: make(chan *ChangeNotification, 64)}
}

func (f *fakeNotifyStream) Send(m *ChangeNotification) error {
	select {
	case f.sent <- m:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}
func (f *fakeNotifyStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeNotifyStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeNotifyStream) SetTrailer(metadata.MD)       {}
func (f *fakeNotifyStream) Context() context.Context     { return f.ctx }
func (f *fakeNotifyStream) SendMsg(m any) error           { return nil }
func (f *fakeNotifyStream) RecvMsg(m any) error           { return nil }

func recvNotify(t *testing.T, stream *fakeNotifyStream) *ChangeNotification {
	t.Helper()
	select {
	case m := <-stream.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestNotifySendsAddedForCurrentNodes(t *testing.T) {
	ipc := ipcache.New("node-1")
	ipc.Upsert("10.0.0.1", identity.Identity{NodeName: "node-a"})
	ipc.SetSynced(true)

	p := NewPeerService(ipc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeNotifyStream(ctx)

	done := make(chan error, 1)
	go func() { done <- p.Notify(&NotifyRequest{}, stream) }()

	m := recvNotify(t, stream)
	if m.Name != "node-a" || m.Address != "10.0.0.1" || m.Type != ChangeAdded {
		t.Fatalf("unexpected notification: %+v", m)
	}

	cancel()
	<-done
}

func TestNotifyIgnoresNonNodeEntries(t *testing.T) {
	ipc := ipcache.New("node-1")
	ipc.SetSynced(true)

	p := NewPeerService(ipc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeNotifyStream(ctx)

	done := make(chan error, 1)
	go func() { done <- p.Notify(&NotifyRequest{}, stream) }()
	time.Sleep(10 * time.Millisecond)

	ipc.Upsert("10.0.0.5", identity.Identity{Namespace: "default", PodName: "web-1"})

	select {
	case m := <-stream.sent:
		t.Fatalf("expected no notification for a non-node upsert, got %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestNotifyEmitsUpdatedOnAddressChange(t *testing.T) {
	ipc := ipcache.New("node-1")
	ipc.Upsert("10.0.0.1", identity.Identity{NodeName: "node-a"})
	ipc.SetSynced(true)

	p := NewPeerService(ipc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeNotifyStream(ctx)

	done := make(chan error, 1)
	go func() { done <- p.Notify(&NotifyRequest{}, stream) }()
	recvNotify(t, stream) // initial Added

	ipc.Upsert("10.0.0.2", identity.Identity{NodeName: "node-a"})
	m := recvNotify(t, stream)
	if m.Name != "node-a" || m.Address != "10.0.0.2" || m.Type != ChangeUpdated {
		t.Fatalf("unexpected notification: %+v", m)
	}

	cancel()
	<-done
}

func TestNotifyEmitsDeletedOnNodeDelete(t *testing.T) {
	ipc := ipcache.New("node-1")
	ipc.Upsert("10.0.0.1", identity.Identity{NodeName: "node-a"})
	ipc.SetSynced(true)

	p := NewPeerService(ipc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeNotifyStream(ctx)

	done := make(chan error, 1)
	go func() { done <- p.Notify(&NotifyRequest{}, stream) }()
	recvNotify(t, stream) // initial Added

	ipc.Delete("10.0.0.1")
	m := recvNotify(t, stream)
	if m.Name != "node-a" || m.Type != ChangeDeleted {
		t.Fatalf("unexpected notification: %+v", m)
	}

	cancel()
	<-done
}

func TestNotifyClearEmitsDeletedForAllKnown(t *testing.T) {
	ipc := ipcache.New("node-1")
	ipc.Upsert("10.0.0.1", identity.Identity{NodeName: "node-a"})
	ipc.Upsert("10.0.0.2", identity.Identity{NodeName: "node-b"})
	ipc.SetSynced(true)

	p := NewPeerService(ipc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeNotifyStream(ctx)

	done := make(chan error, 1)
	go func() { done <- p.Notify(&NotifyRequest{}, stream) }()
	recvNotify(t, stream)
	recvNotify(t, stream)

	ipc.Clear()
	first := recvNotify(t, stream)
	second := recvNotify(t, stream)
	if first.Type != ChangeDeleted || second.Type != ChangeDeleted {
		t.Fatalf("expected two Deleted notifications, got %+v, %+v", first, second)
	}

	cancel()
	<-done
}

func TestReconcileDiffsKnownAgainstCurrent(t *testing.T) {
	ipc := ipcache.New("node-1")
	ipc.Upsert("10.0.0.2", identity.Identity{NodeName: "node-b"})

	p := NewPeerService(ipc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeNotifyStream(ctx)

	known := map[string]string{"node-a": "10.0.0.1", "node-b": "10.0.0.99"}
	if err := p.reconcile(stream, known); err != nil {
		t.Fatalf("reconcile error: %v", err)
	}

	var deleted, updated bool
	close(stream.sent)
	for m := range stream.sent {
		if m.Name == "node-a" && m.Type == ChangeDeleted {
			deleted = true
		}
		if m.Name == "node-b" && m.Type == ChangeUpdated && m.Address == "10.0.0.2" {
			updated = true
		}
	}
	if !deleted || !updated {
		t.Fatalf("expected node-a deleted and node-b updated, known now = %+v", known)
	}
	if _, ok := known["node-a"]; ok {
		t.Fatal("expected node-a removed from known after reconcile")
	}
	if known["node-b"] != "10.0.0.2" {
		t.Fatalf("expected node-b address updated in known, got %q", known["node-b"])
	}
}
