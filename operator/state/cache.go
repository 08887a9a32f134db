// Package state is the operator's cluster-wide identity cache: the single
// source of truth that pod/service/node watchers write into and that every
// connected agent's stream reads from. The bounded-channel fan-out follows
// the destination-service broadcast pattern in
// controller/api/destination/endpoint_stream_dispatcher.go, generalized
// from a single pb.Update stream to a subscribable, many-reader identity
// cache with its own snapshot/upsert/delete contract.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/netobs/netobs/pkg/identity"
)

// broadcastCapacity bounds each subscriber's broadcast channel; a reader
// that falls this far behind is marked lagged rather than blocking producers.
const broadcastCapacity = 8192

// UpdateKind discriminates the events carried on a Subscription's channel.
type UpdateKind int

const (
	UpdateUpsert UpdateKind = iota
	UpdateDelete
	UpdateSyncComplete
	UpdateShutdown
)

// Update is one entry in a snapshot or one event on the broadcast channel.
type Update struct {
	Kind     UpdateKind
	IP       string
	Resource identity.Kind
	Identity identity.Identity
}

// CachedIdentity is the value stored per IP: which Kubernetes resource kind
// produced it, plus the identity itself.
type CachedIdentity struct {
	Resource identity.Kind
	Identity identity.Identity
}

// Cache is the operator's IpAddr -> CachedIdentity map, reader-preferring
// (sync.RWMutex favors concurrent readers, which is the common case: many
// agent streams doing lookups against rare watcher writes) with fan-out to
// every connected agent stream via bounded Subscriptions.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CachedIdentity

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	upsertsSkipped atomic.Uint64
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]CachedIdentity),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Upsert replaces the identity for ip if it differs from what's already
// cached, suppressing the broadcast (and counting a skip) for exact no-op
// repeats -- watchers re-deliver unchanged objects on every resync.
func (c *Cache) Upsert(ip string, ci CachedIdentity) {
	c.mu.Lock()
	existing, ok := c.entries[ip]
	if ok && existing.Resource == ci.Resource && existing.Identity.Equal(ci.Identity) {
		c.mu.Unlock()
		c.upsertsSkipped.Add(1)
		return
	}
	c.entries[ip] = ci
	c.mu.Unlock()

	c.broadcast(&Update{Kind: UpdateUpsert, IP: ip, Resource: ci.Resource, Identity: ci.Identity})
}

// Delete removes ip only if its cached entry belongs to kind, preventing a
// pod watcher's delete from evicting a node-owned IP (the host-network pod
// case).
func (c *Cache) Delete(ip string, kind identity.Kind) {
	c.mu.Lock()
	existing, ok := c.entries[ip]
	if !ok || existing.Resource != kind {
		c.mu.Unlock()
		return
	}
	delete(c.entries, ip)
	c.mu.Unlock()

	c.broadcast(&Update{Kind: UpdateDelete, IP: ip})
}

// UpsertsSkipped returns the running count of no-op upserts suppressed.
func (c *Cache) UpsertsSkipped() uint64 {
	return c.upsertsSkipped.Load()
}

// Snapshot returns the current cache contents as Update{Kind: UpdateUpsert}
// entries, collected under the read lock and built after releasing it.
func (c *Cache) Snapshot() []Update {
	c.mu.RLock()
	pairs := make([]CachedIdentity, 0, len(c.entries))
	ips := make([]string, 0, len(c.entries))
	for ip, ci := range c.entries {
		ips = append(ips, ip)
		pairs = append(pairs, ci)
	}
	c.mu.RUnlock()

	out := make([]Update, len(ips))
	for i, ip := range ips {
		out[i] = Update{Kind: UpdateUpsert, IP: ip, Resource: pairs[i].Resource, Identity: pairs[i].Identity}
	}
	return out
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// BroadcastShutdown emits the shutdown sentinel to every subscriber. Agents
// receiving it must preserve their local cache across reconnect so a
// rolling operator upgrade causes no enrichment gap.
func (c *Cache) BroadcastShutdown() {
	c.broadcast(&Update{Kind: UpdateShutdown})
}

func (c *Cache) broadcast(u *Update) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for sub := range c.subs {
		if sub.lagged.Load() {
			continue
		}
		select {
		case sub.ch <- u:
		default:
			// Producer outran this subscriber. Mark it lagged and close its
			// channel rather than blocking or silently dropping updates;
			// the stream handler observing the close must answer the RPC
			// with DataLoss so the agent resyncs from a fresh snapshot
			// instead of continuing on a stale view.
			if sub.lagged.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
	}
}

// Subscription is a single agent stream's view onto the broadcast channel.
type Subscription struct {
	ch     chan *Update
	lagged atomic.Bool
	cache  *Cache
}

// Subscribe registers a new bounded-capacity subscription. Callers MUST
// subscribe before calling Snapshot so that no update
// racing between the two is lost: it will simply arrive twice (once via
// Snapshot, once via the subscription) and callers apply updates
// idempotently.
func (c *Cache) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan *Update, broadcastCapacity), cache: c}
	c.subMu.Lock()
	c.subs[sub] = struct{}{}
	c.subMu.Unlock()
	return sub
}

// Updates returns the channel to range over. It is closed only when the
// subscription lags (Lagged() then reports true); Unsubscribe stops
// delivery without closing it.
func (s *Subscription) Updates() <-chan *Update { return s.ch }

// Lagged reports whether this subscription's channel was closed because the
// subscriber fell behind the broadcast producer.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Unsubscribe removes the subscription from its cache. Safe to call more
// than once, and safe to call after the channel has already been closed due
// to lag.
func (s *Subscription) Unsubscribe() {
	s.cache.subMu.Lock()
	delete(s.cache.subs, s)
	s.cache.subMu.Unlock()
}
