// Package ipcache is the agent's per-node mirror of the operator's cluster
// identity cache: same upsert/delete/subscribe shape as
// operator/state minus the ResourceKind arbitration (the operator already
// resolved cross-resource collisions before this agent ever saw an update),
// plus the synced gate the enrichment hot path waits on at startup.
package ipcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/netobs/netobs/pkg/identity"
)

const broadcastCapacity = 4096

// EventKind discriminates Subscription events, matching the peer-stream
// protocol's {Upsert, Delete, Clear} vocabulary.
type EventKind int

const (
	EventUpsert EventKind = iota
	EventDelete
	EventClear
)

// Event is one change delivered to a Subscription.
type Event struct {
	Kind     EventKind
	IP       string
	Identity identity.Identity
}

// Cache is the agent's local IpAddr -> Identity view.
type Cache struct {
	localNodeName string

	mu      sync.RWMutex
	entries map[string]identity.Identity

	syncMu   sync.Mutex
	syncCond *sync.Cond
	synced   bool

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// New returns an empty Cache. localNodeName is fixed for the process
// lifetime and used by the numeric-identity resolver to distinguish host
// vs. remote-node labels.
func New(localNodeName string) *Cache {
	c := &Cache{
		localNodeName: localNodeName,
		entries:       make(map[string]identity.Identity),
		subs:          make(map[*Subscription]struct{}),
	}
	c.syncCond = sync.NewCond(&c.syncMu)
	return c
}

// LocalNodeName returns the node name this agent runs on.
func (c *Cache) LocalNodeName() string { return c.localNodeName }

// Upsert replaces the identity cached for ip and notifies subscribers.
func (c *Cache) Upsert(ip string, id identity.Identity) {
	c.mu.Lock()
	c.entries[ip] = id
	c.mu.Unlock()
	c.broadcast(Event{Kind: EventUpsert, IP: ip, Identity: id})
}

// Delete removes ip and notifies subscribers.
func (c *Cache) Delete(ip string) {
	c.mu.Lock()
	delete(c.entries, ip)
	c.mu.Unlock()
	c.broadcast(Event{Kind: EventDelete, IP: ip})
}

// Clear empties the cache without marking it unsynced -- used when the
// caller has already decided a full resync is starting, as opposed to
// SetSynced(false), which only flips the gate.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]identity.Identity)
	c.mu.Unlock()
	c.broadcast(Event{Kind: EventClear})
}

// Get returns the identity cached for ip, if any.
func (c *Cache) Get(ip string) (identity.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.entries[ip]
	return id, ok
}

// GetPair looks up two IPs under a single read-lock acquisition, the
// batched form the enrichment hot path needs to stay lock-efficient.
func (c *Cache) GetPair(ip1, ip2 string) (id1, id2 identity.Identity, ok1, ok2 bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id1, ok1 = c.entries[ip1]
	id2, ok2 = c.entries[ip2]
	return
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of every cached (ip, identity) pair, for the
// /debug/ipcache endpoint.
func (c *Cache) Snapshot() map[string]identity.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]identity.Identity, len(c.entries))
	for ip, id := range c.entries {
		out[ip] = id
	}
	return out
}

// SetSynced flips the synced gate. false at startup and after every
// operator disconnect unless the disconnect was shutdown-preserved; callers
// preserving the cache across a graceful operator shutdown
// should NOT call SetSynced(false) -- only a genuine resync-from-scratch
// does.
func (c *Cache) SetSynced(v bool) {
	c.syncMu.Lock()
	c.synced = v
	c.syncMu.Unlock()
	if v {
		c.syncCond.Broadcast()
	}
}

// Synced reports the current value of the synced gate.
func (c *Cache) Synced() bool {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	return c.synced
}

// WaitSynced blocks until the cache is synced or ctx is done, using the
// notify-before-check pattern (lock, check, Wait releases the lock
// atomically and reacquires it on wake) so a synced flip landing between a
// naive check and a naive wait can never be missed.
func (c *Cache) WaitSynced(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.syncMu.Lock()
		for !c.synced && ctx.Err() == nil {
			c.syncCond.Wait()
		}
		c.syncMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return ctx.Err()
	case <-ctx.Done():
		// Wake the waiter stuck in Cond.Wait so its goroutine can observe
		// ctx.Err() and exit instead of leaking, then let it finish.
		c.syncCond.Broadcast()
		<-done
		return ctx.Err()
	}
}

func (c *Cache) broadcast(e Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for sub := range c.subs {
		if sub.lagged.Load() {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			if sub.lagged.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
	}
}

// Subscription is a consumer's view onto cache change events, used by the
// peer-stream protocol.
type Subscription struct {
	ch     chan Event
	lagged atomic.Bool
	cache  *Cache
}

// Subscribe registers a new bounded subscription.
func (c *Cache) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Event, broadcastCapacity), cache: c}
	c.subMu.Lock()
	c.subs[sub] = struct{}{}
	c.subMu.Unlock()
	return sub
}

// Events returns the channel to range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Lagged reports whether this subscription's channel was closed due to
// overflow.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.cache.subMu.Lock()
	delete(s.cache.subs, s)
	s.cache.subMu.Unlock()
}
