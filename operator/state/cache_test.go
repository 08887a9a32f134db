package state

import (
	"strconv"
	"testing"
	"time"

	"github.com/netobs/netobs/pkg/identity"
)

func podIdentity(ns, pod string) CachedIdentity {
	return CachedIdentity{
		Resource: identity.KindPod,
		Identity: identity.Identity{Namespace: ns, PodName: pod},
	}
}

func TestUpsertSuppressesNoOpBroadcast(t *testing.T) {
	c := New()
	sub := c.Subscribe()
	defer sub.Unsubscribe()

	c.Upsert("10.0.0.1", podIdentity("ns", "a"))
	select {
	case u := <-sub.Updates():
		if u.Kind != UpdateUpsert {
			t.Fatalf("kind = %v, want Upsert", u.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an update for the first upsert")
	}

	c.Upsert("10.0.0.1", podIdentity("ns", "a"))
	select {
	case u := <-sub.Updates():
		t.Fatalf("unexpected update for no-op upsert: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}

	if c.UpsertsSkipped() != 1 {
		t.Fatalf("upsertsSkipped = %d, want 1", c.UpsertsSkipped())
	}
}

func TestDeleteRequiresMatchingResourceKind(t *testing.T) {
	c := New()
	c.Upsert("10.0.0.1", CachedIdentity{Resource: identity.KindNode, Identity: identity.Identity{NodeName: "n1"}})

	c.Delete("10.0.0.1", identity.KindPod)
	if c.Len() != 1 {
		t.Fatal("delete with mismatched kind must not evict a node-owned IP")
	}

	c.Delete("10.0.0.1", identity.KindNode)
	if c.Len() != 0 {
		t.Fatal("delete with matching kind must evict")
	}
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	c := New()
	c.Upsert("10.0.0.1", podIdentity("ns", "a"))
	c.Upsert("10.0.0.2", podIdentity("ns", "b"))

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
}

func TestSubscribeBeforeSnapshotMissesNothing(t *testing.T) {
	c := New()
	c.Upsert("10.0.0.1", podIdentity("ns", "a"))

	sub := c.Subscribe()
	defer sub.Unsubscribe()
	snap := c.Snapshot()
	c.Upsert("10.0.0.2", podIdentity("ns", "b"))

	seen := map[string]bool{}
	for _, u := range snap {
		seen[u.IP] = true
	}
	select {
	case u := <-sub.Updates():
		seen[u.IP] = true
	case <-time.After(time.Second):
		t.Fatal("expected the racing upsert to arrive via subscription")
	}

	if !seen["10.0.0.1"] || !seen["10.0.0.2"] {
		t.Fatalf("missing IPs, seen = %v", seen)
	}
}

func TestBroadcastShutdownSentinel(t *testing.T) {
	c := New()
	sub := c.Subscribe()
	defer sub.Unsubscribe()

	c.BroadcastShutdown()
	select {
	case u := <-sub.Updates():
		if u.Kind != UpdateShutdown {
			t.Fatalf("kind = %v, want Shutdown", u.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected shutdown sentinel")
	}
}

func TestOverflowMarksLaggedAndCloses(t *testing.T) {
	c := New()
	sub := c.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < broadcastCapacity+10; i++ {
		c.Upsert(identityIP(i), podIdentity("ns", identityIP(i)))
	}
	if !sub.Lagged() {
		t.Fatal("expected subscription marked lagged after overflowing its buffer")
	}

	select {
	case _, ok := <-sub.Updates():
		if ok {
			return
		}
		if !sub.Lagged() {
			t.Fatal("channel closed but Lagged() is false")
		}
	case <-time.After(time.Second):
		t.Fatal("expected either a buffered update or a closed channel")
	}
}

func identityIP(i int) string {
	return "10.0." + strconv.Itoa(i/256) + "." + strconv.Itoa(i%256)
}
