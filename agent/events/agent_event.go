package events

import (
	"time"

	"github.com/netobs/netobs/pkg/store"
)

// AgentEventKind discriminates the notification payload an AgentEvent
// carries, following the discriminated-record shape the agent-event stream
// exposes to the external observer.
type AgentEventKind int

const (
	AgentStarted AgentEventKind = iota
	AgentStopped
	IpcacheUpserted
	IpcacheDeleted
)

func (k AgentEventKind) String() string {
	switch k {
	case AgentStarted:
		return "AGENT_STARTED"
	case AgentStopped:
		return "AGENT_STOPPED"
	case IpcacheUpserted:
		return "IPCACHE_UPSERTED"
	case IpcacheDeleted:
		return "IPCACHE_DELETED"
	default:
		return "UNKNOWN"
	}
}

// AgentEvent is one entry in the agent-event stream: a kind plus whatever
// key/value payload that kind carries (e.g. an IpcacheUpserted event's
// ip/namespace/pod_name).
type AgentEvent struct {
	TimeSeconds int64
	TimeNanos   int32
	Kind        AgentEventKind
	Payload     map[string]string
}

// NewAgentEvent stamps kind/payload with the current wall-clock time.
func NewAgentEvent(kind AgentEventKind, payload map[string]string) AgentEvent {
	now := time.Now()
	return AgentEvent{
		TimeSeconds: now.Unix(),
		TimeNanos:   int32(now.Nanosecond()),
		Kind:        kind,
		Payload:     payload,
	}
}

// AgentEventStoreCapacity is the default historical window depth, matching
// the flow store's default so both ring-backed stores behave the same way
// under the agent's default memory budget.
const AgentEventStoreCapacity = 4096

// AgentEventStore is the fixed-capacity ring mechanics of store.Ring,
// parameterized over AgentEvent: the same ring buffer type that backs the
// flow store, with only the stored element type changed.
type AgentEventStore struct {
	ring *store.Ring[AgentEvent]
}

// NewAgentEventStore returns an AgentEventStore with the given capacity.
func NewAgentEventStore(capacity int) *AgentEventStore {
	return &AgentEventStore{ring: store.NewRing[AgentEvent](capacity)}
}

// Push records e.
func (s *AgentEventStore) Push(e AgentEvent) { s.ring.Push(e) }

// LastN returns the n most recently pushed events, oldest first.
func (s *AgentEventStore) LastN(n int) []AgentEvent { return s.ring.LastN(n) }

// FirstN returns the n oldest stored events, oldest first.
func (s *AgentEventStore) FirstN(n int) []AgentEvent { return s.ring.FirstN(n) }

// Len reports the number of events currently held.
func (s *AgentEventStore) Len() int { return s.ring.Len() }
