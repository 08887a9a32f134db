package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/netobs/netobs/agent/events"
	"github.com/netobs/netobs/agent/filter"
	"github.com/netobs/netobs/agent/flow"
	"github.com/netobs/netobs/agent/ipcache"
)

const defaultFlowWindow = 100

// Server implements FlowObserverServer against the agent's in-memory
// stores, grounded on operator/rpc.Server's subscribe-then-stream shape.
type Server struct {
	flows       *flow.Store
	agentEvents *events.AgentEventStore
	debugEvents *events.DebugEventStore
	ipc         *ipcache.Cache
	startedAt   time.Time
}

// NewServer returns a Server backed by the given stores.
func NewServer(flows *flow.Store, agentEvents *events.AgentEventStore, debugEvents *events.DebugEventStore, ipc *ipcache.Cache) *Server {
	return &Server{
		flows:       flows,
		agentEvents: agentEvents,
		debugEvents: debugEvents,
		ipc:         ipc,
		startedAt:   time.Now(),
	}
}

// GetFlows implements the follow/historical GetFlows contract.
func (s *Server) GetFlows(req *GetFlowsRequest, stream FlowObserver_GetFlowsServer) error {
	set := filter.Compile(req.Whitelist, req.Blacklist)
	if req.Follow {
		return s.followFlows(req, set, stream)
	}
	return s.historicalFlows(req, set, stream)
}

func (s *Server) historicalFlows(req *GetFlowsRequest, set *filter.Set, stream FlowObserver_GetFlowsServer) error {
	n := int(req.Number)
	if n <= 0 {
		n = defaultFlowWindow
	}
	var window []flow.Flow
	if req.First {
		window = s.flows.FirstN(n)
	} else {
		window = s.flows.LastN(n)
	}
	for _, f := range window {
		if !withinWindow(f, req.Since, req.Until) {
			continue
		}
		if !set.Matches(&f) {
			continue
		}
		if err := stream.Send(toFlowResponse(f)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) followFlows(req *GetFlowsRequest, set *filter.Set, stream FlowObserver_GetFlowsServer) error {
	sub := s.flows.Subscribe()
	defer sub.Unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-sub.Events():
			if !ok {
				return status.Error(codes.DataLoss, "fell behind flow broadcast, reconnect")
			}
			if req.Until != 0 && f.TimeSeconds > req.Until {
				return nil
			}
			if req.Since != 0 && f.TimeSeconds < req.Since {
				continue
			}
			if !set.Matches(&f) {
				continue
			}
			if err := stream.Send(toFlowResponse(f)); err != nil {
				return err
			}
		}
	}
}

func withinWindow(f flow.Flow, since, until int64) bool {
	if since != 0 && f.TimeSeconds < since {
		return false
	}
	if until != 0 && f.TimeSeconds > until {
		return false
	}
	return true
}

func toFlowResponse(f flow.Flow) *GetFlowsResponse {
	return &GetFlowsResponse{Flow: f, NodeName: f.NodeName, Time: f.TimeSeconds}
}

// GetAgentEvents returns a historical agent-event window; there is no
// follow mode, matching the request's fixed Number/First shape.
func (s *Server) GetAgentEvents(req *GetAgentEventsRequest, stream FlowObserver_GetAgentEventsServer) error {
	n := int(req.Number)
	if n <= 0 {
		n = defaultFlowWindow
	}
	var window []events.AgentEvent
	if req.First {
		window = s.agentEvents.FirstN(n)
	} else {
		window = s.agentEvents.LastN(n)
	}
	for _, e := range window {
		if err := stream.Send(&GetAgentEventsResponse{Event: e}); err != nil {
			return err
		}
	}
	return nil
}

// GetDebugEvents returns a historical debug-event window.
func (s *Server) GetDebugEvents(req *GetDebugEventsRequest, stream FlowObserver_GetDebugEventsServer) error {
	n := int(req.Number)
	if n <= 0 {
		n = defaultFlowWindow
	}
	var window []events.DebugEvent
	if req.First {
		window = s.debugEvents.FirstN(n)
	} else {
		window = s.debugEvents.LastN(n)
	}
	for _, e := range window {
		if err := stream.Send(&GetDebugEventsResponse{Event: e}); err != nil {
			return err
		}
	}
	return nil
}

// GetNodes lists every distinct node name currently known to the IP cache.
func (s *Server) GetNodes(_ context.Context, _ *GetNodesRequest) (*GetNodesResponse, error) {
	seen := make(map[string]struct{})
	for _, id := range s.ipc.Snapshot() {
		if id.NodeName != "" {
			seen[id.NodeName] = struct{}{}
		}
	}
	nodes := make([]string, 0, len(seen))
	for name := range seen {
		nodes = append(nodes, name)
	}
	return &GetNodesResponse{Nodes: nodes}, nil
}

// GetNamespaces lists every distinct namespace currently known to the IP
// cache.
func (s *Server) GetNamespaces(_ context.Context, _ *GetNamespacesRequest) (*GetNamespacesResponse, error) {
	seen := make(map[string]struct{})
	for _, id := range s.ipc.Snapshot() {
		if id.Namespace != "" {
			seen[id.Namespace] = struct{}{}
		}
	}
	namespaces := make([]string, 0, len(seen))
	for ns := range seen {
		namespaces = append(namespaces, ns)
	}
	return &GetNamespacesResponse{Namespaces: namespaces}, nil
}

// ServerStatus reports the flow store's current occupancy and throughput.
func (s *Server) ServerStatus(_ context.Context, _ *ServerStatusRequest) (*ServerStatusResponse, error) {
	return &ServerStatusResponse{
		NumFlows:      uint64(s.flows.Len()),
		MaxFlows:      uint64(s.flows.Cap()),
		SeenFlows:     s.flows.SeenFlows(),
		FlowsRate:     s.flows.Rate(time.Now()),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}, nil
}
