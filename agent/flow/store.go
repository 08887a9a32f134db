package flow

import (
	"time"

	"github.com/netobs/netobs/pkg/store"
)

// flowBroadcastCapacity bounds the live-subscriber fan-out channel; a
// subscriber that falls this far behind is marked lagged rather than
// stalling the producer.
const flowBroadcastCapacity = 4096

// Store is the agent's historical + live view onto enriched flows: a fixed
// ring buffer for GetFlows(follow=false) plus a broadcaster for
// GetFlows(follow=true), with a windowed rate computation layered over the
// ring's monotonic push counter.
type Store struct {
	ring        *store.Ring[Flow]
	broadcaster *store.Broadcaster[Flow]
	rate        *store.RateWindow
}

// NewStore returns a Store with the given historical capacity.
func NewStore(capacity int) *Store {
	return &Store{
		ring:        store.NewRing[Flow](capacity),
		broadcaster: store.NewBroadcaster[Flow](flowBroadcastCapacity),
		rate:        store.NewRateWindow(time.Now(), 0),
	}
}

// Push records f in the historical ring and fans it out to live subscribers.
func (s *Store) Push(f Flow) {
	s.ring.Push(f)
	s.broadcaster.Publish(f)
}

// LastN returns the n most recently pushed flows, oldest first.
func (s *Store) LastN(n int) []Flow { return s.ring.LastN(n) }

// FirstN returns the n oldest stored flows, oldest first.
func (s *Store) FirstN(n int) []Flow { return s.ring.FirstN(n) }

// Len reports the number of flows currently held in the ring.
func (s *Store) Len() int { return s.ring.Len() }

// Cap reports the ring's fixed capacity.
func (s *Store) Cap() int { return s.ring.Cap() }

// SeenFlows is the monotonic count of every flow ever pushed, surviving
// eviction.
func (s *Store) SeenFlows() uint64 { return s.ring.SeenTotal() }

// Rate reports the observed flows/sec as of now.
func (s *Store) Rate(now time.Time) float64 {
	return s.rate.Rate(now, s.ring.SeenTotal())
}

// Subscribe registers a live subscription for follow=true streaming.
func (s *Store) Subscribe() *store.Subscription[Flow] { return s.broadcaster.Subscribe() }
