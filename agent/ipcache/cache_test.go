package ipcache

import (
	"context"
	"testing"
	"time"

	"github.com/netobs/netobs/pkg/identity"
)

func TestUpsertAndGet(t *testing.T) {
	c := New("node-1")
	c.Upsert("10.0.0.1", identity.Identity{Namespace: "ns", PodName: "a"})

	id, ok := c.Get("10.0.0.1")
	if !ok || id.PodName != "a" {
		t.Fatalf("Get = %+v, %v", id, ok)
	}
}

func TestGetPairSingleLockAcquisition(t *testing.T) {
	c := New("node-1")
	c.Upsert("10.0.0.1", identity.Identity{PodName: "a"})
	c.Upsert("10.0.0.2", identity.Identity{PodName: "b"})

	id1, id2, ok1, ok2 := c.GetPair("10.0.0.1", "10.0.0.2")
	if !ok1 || !ok2 || id1.PodName != "a" || id2.PodName != "b" {
		t.Fatalf("GetPair = %+v %+v %v %v", id1, id2, ok1, ok2)
	}

	_, _, ok1, ok2 = c.GetPair("10.0.0.1", "10.0.0.99")
	if !ok1 || ok2 {
		t.Fatalf("expected (true, false), got (%v, %v)", ok1, ok2)
	}
}

func TestDeleteRemoves(t *testing.T) {
	c := New("node-1")
	c.Upsert("10.0.0.1", identity.Identity{PodName: "a"})
	c.Delete("10.0.0.1")
	if _, ok := c.Get("10.0.0.1"); ok {
		t.Fatal("expected entry removed")
	}
}

func TestClearEmptiesCache(t *testing.T) {
	c := New("node-1")
	c.Upsert("10.0.0.1", identity.Identity{PodName: "a"})
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("len = %d, want 0", c.Len())
	}
}

func TestWaitSyncedReturnsImmediatelyWhenAlreadySynced(t *testing.T) {
	c := New("node-1")
	c.SetSynced(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitSynced(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitSyncedWakesOnSetSynced(t *testing.T) {
	c := New("node-1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.WaitSynced(ctx) }()

	time.Sleep(50 * time.Millisecond)
	c.SetSynced(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitSynced did not wake after SetSynced(true)")
	}
}

func TestWaitSyncedReturnsErrOnContextDeadline(t *testing.T) {
	c := New("node-1")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.WaitSynced(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestSubscriptionReceivesEvents(t *testing.T) {
	c := New("node-1")
	sub := c.Subscribe()
	defer sub.Unsubscribe()

	c.Upsert("10.0.0.1", identity.Identity{PodName: "a"})
	select {
	case e := <-sub.Events():
		if e.Kind != EventUpsert || e.IP != "10.0.0.1" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an upsert event")
	}
}
