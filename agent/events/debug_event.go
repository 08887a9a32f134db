package events

import (
	"time"

	"github.com/netobs/netobs/pkg/store"
)

// DebugEvent is one entry in the agent's debug-event stream: a free-form
// operational message (veth attach/detach, suppress-filter reload, ipcache
// sync state changes) distinct from the flow and agent-event streams, kept
// for operators diagnosing a single node without grepping logs.
type DebugEvent struct {
	TimeSeconds int64
	TimeNanos   int32
	NodeName    string
	Message     string
}

// NewDebugEvent stamps message with the current wall-clock time.
func NewDebugEvent(nodeName, message string) DebugEvent {
	now := time.Now()
	return DebugEvent{
		TimeSeconds: now.Unix(),
		TimeNanos:   int32(now.Nanosecond()),
		NodeName:    nodeName,
		Message:     message,
	}
}

// DebugEventStoreCapacity is the default historical window depth.
const DebugEventStoreCapacity = 4096

// DebugEventStore is store.Ring parameterized over DebugEvent, the same
// generalization AgentEventStore applies.
type DebugEventStore struct {
	ring *store.Ring[DebugEvent]
}

// NewDebugEventStore returns a DebugEventStore with the given capacity.
func NewDebugEventStore(capacity int) *DebugEventStore {
	return &DebugEventStore{ring: store.NewRing[DebugEvent](capacity)}
}

// Push records e.
func (s *DebugEventStore) Push(e DebugEvent) { s.ring.Push(e) }

// LastN returns the n most recently pushed events, oldest first.
func (s *DebugEventStore) LastN(n int) []DebugEvent { return s.ring.LastN(n) }

// FirstN returns the n oldest stored events, oldest first.
func (s *DebugEventStore) FirstN(n int) []DebugEvent { return s.ring.FirstN(n) }

// Len reports the number of events currently held.
func (s *DebugEventStore) Len() int { return s.ring.Len() }
