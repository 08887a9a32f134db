package rpc

import (
	"context"
	"strconv"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/netobs/netobs/pkg/identity"
	"github.com/netobs/netobs/operator/state"
)

type fakeStream struct {
	ctx  context.Context
	sent chan *SyncMessage
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, sent: make(chan *SyncMessage, 64)}
}

func (f *fakeStream) Send(m *SyncMessage) error {
	select {
	case f.sent <- m:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func (f *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)       {}
func (f *fakeStream) Context() context.Context     { return f.ctx }
func (f *fakeStream) SendMsg(m any) error          { return nil }
func (f *fakeStream) RecvMsg(m any) error          { return nil }

func TestSyncSendsSnapshotThenSyncComplete(t *testing.T) {
	cache := state.New()
	cache.Upsert("10.0.0.1", state.CachedIdentity{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeStream(ctx)
	s := NewServer(cache)

	done := make(chan error, 1)
	go func() { done <- s.Sync(&SyncRequest{NodeName: "n1"}, stream) }()

	batch := recvMessage(t, stream)
	if len(batch.Batch) != 1 {
		t.Fatalf("expected 1-entry batch, got %+v", batch)
	}
	sc := recvMessage(t, stream)
	if !sc.SyncComplete {
		t.Fatalf("expected SyncComplete, got %+v", sc)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Sync returned error on clean disconnect: %v", err)
	}
}

func TestSyncForwardsIncrementalUpdates(t *testing.T) {
	cache := state.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := newFakeStream(ctx)
	s := NewServer(cache)

	done := make(chan error, 1)
	go func() { done <- s.Sync(&SyncRequest{NodeName: "n1"}, stream) }()

	recvMessage(t, stream) // empty batch
	recvMessage(t, stream) // sync complete

	cache.Upsert("10.0.0.2", state.CachedIdentity{})
	update := recvMessage(t, stream)
	if update.Update == nil || update.Update.Kind != "upsert" || update.Update.IP != "10.0.0.2" {
		t.Fatalf("unexpected update message: %+v", update)
	}

	cancel()
	<-done
}

// TestClosedSubscriptionErrMapsLagToDataLoss exercises the exact branch
// Sync() takes when its subscription channel closes: a plain unsubscribe
// (or shutdown-adjacent close) must not fail the RPC, but a lagged close
// must surface as codes.DataLoss so the agent reconnects and resyncs from
// a fresh snapshot rather than continuing on a stale view. Driven directly
// against operator/state rather than a full streaming round-trip, since
// forcing the underlying channel to overflow deterministically alongside a
// live consumer is a timing race; operator/state's own tests already cover
// that the cache detects overflow correctly.
func TestClosedSubscriptionErrMapsLagToDataLoss(t *testing.T) {
	cache := state.New()
	entry := log.WithField("test", "overflow")

	sub := cache.Subscribe()
	for i := 0; i < 8300; i++ {
		cache.Upsert(overflowIP(i), state.CachedIdentity{Identity: identityFor(i)})
	}
	if !sub.Lagged() {
		t.Fatal("expected subscription to be marked lagged after overflow")
	}

	err := closedSubscriptionErr(sub, entry)
	if status.Code(err) != codes.DataLoss {
		t.Fatalf("err = %v, want DataLoss", err)
	}
}

func TestClosedSubscriptionErrNilWhenNotLagged(t *testing.T) {
	cache := state.New()
	entry := log.WithField("test", "clean-close")
	sub := cache.Subscribe()
	sub.Unsubscribe()

	if err := closedSubscriptionErr(sub, entry); err != nil {
		t.Fatalf("expected nil error for a plain unsubscribe, got %v", err)
	}
}

func overflowIP(i int) string {
	return "10.0." + strconv.Itoa(i/256) + "." + strconv.Itoa(i%256)
}

func identityFor(i int) identity.Identity {
	return identity.Identity{Namespace: "ns", PodName: "pod-" + string(rune('a'+i%26)) + string(rune('0'+i%10))}
}

func recvMessage(t *testing.T, stream *fakeStream) *SyncMessage {
	t.Helper()
	select {
	case m := <-stream.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
