// Package rpc implements the agent's two observer-facing streaming
// services: FlowObserver (flows, agent events, debug events, node/namespace
// listings, server status) and Peer (node add/update/delete notifications).
// As in operator/rpc, both ServiceDescs are hand-written in the shape
// protoc-gen-go-grpc would generate, and messages travel as JSON via
// pkg/grpcutil's registered codec rather than the protobuf wire format.
// Unlike operator/rpc, no client stubs are defined here: the only client of
// these services is the downstream flow-observer UI, which is an external
// collaborator outside this module.
package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/netobs/netobs/agent/events"
	"github.com/netobs/netobs/agent/filter"
	"github.com/netobs/netobs/agent/flow"
)

const (
	flowObserverServiceName = "netobs.agent.FlowObserver"
	peerServiceName         = "netobs.agent.Peer"
)

// ---- FlowObserver messages ----

// GetFlowsRequest mirrors the agent->observer RPC's GetFlows contract:
// follow=true live-subscribes to the flow broadcast; follow=false returns a
// historical ring-buffer window selected by Number/First, time-filtered by
// Since/Until.
type GetFlowsRequest struct {
	Number    uint64              `json:"number,omitempty"`
	First     bool                `json:"first,omitempty"`
	Follow    bool                `json:"follow,omitempty"`
	Since     int64               `json:"since,omitempty"` // unix seconds, 0 = unbounded
	Until     int64               `json:"until,omitempty"` // unix seconds, 0 = unbounded
	Whitelist []filter.FlowFilter `json:"whitelist,omitempty"`
	Blacklist []filter.FlowFilter `json:"blacklist,omitempty"`
}

// GetFlowsResponse is one streamed flow.
type GetFlowsResponse struct {
	Flow     flow.Flow `json:"flow"`
	NodeName string    `json:"node_name"`
	Time     int64     `json:"time"`
}

// GetAgentEventsRequest selects a historical agent-event window.
type GetAgentEventsRequest struct {
	Number uint64 `json:"number,omitempty"`
	First  bool   `json:"first,omitempty"`
}

// GetAgentEventsResponse is one streamed agent event.
type GetAgentEventsResponse struct {
	Event events.AgentEvent `json:"event"`
}

// GetDebugEventsRequest selects a historical debug-event window.
type GetDebugEventsRequest struct {
	Number uint64 `json:"number,omitempty"`
	First  bool   `json:"first,omitempty"`
}

// GetDebugEventsResponse is one streamed debug event.
type GetDebugEventsResponse struct {
	Event events.DebugEvent `json:"event"`
}

// GetNodesRequest takes no filtering parameters; the full known node set is
// always returned.
type GetNodesRequest struct{}

// GetNodesResponse lists every node name currently known to the agent's IP
// cache.
type GetNodesResponse struct {
	Nodes []string `json:"nodes"`
}

// GetNamespacesRequest takes no filtering parameters.
type GetNamespacesRequest struct{}

// GetNamespacesResponse lists every namespace currently known to the
// agent's IP cache.
type GetNamespacesResponse struct {
	Namespaces []string `json:"namespaces"`
}

// ServerStatusRequest takes no parameters.
type ServerStatusRequest struct{}

// ServerStatusResponse reports the flow store's current occupancy and
// throughput, for the observer's connection-health display.
type ServerStatusResponse struct {
	NumFlows      uint64  `json:"num_flows"`
	MaxFlows      uint64  `json:"max_flows"`
	SeenFlows     uint64  `json:"seen_flows"`
	FlowsRate     float64 `json:"flows_rate"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// FlowObserverServer is implemented by Server.
type FlowObserverServer interface {
	GetFlows(req *GetFlowsRequest, stream FlowObserver_GetFlowsServer) error
	GetAgentEvents(req *GetAgentEventsRequest, stream FlowObserver_GetAgentEventsServer) error
	GetDebugEvents(req *GetDebugEventsRequest, stream FlowObserver_GetDebugEventsServer) error
	GetNodes(ctx context.Context, req *GetNodesRequest) (*GetNodesResponse, error)
	GetNamespaces(ctx context.Context, req *GetNamespacesRequest) (*GetNamespacesResponse, error)
	ServerStatus(ctx context.Context, req *ServerStatusRequest) (*ServerStatusResponse, error)
}

// FlowObserver_GetFlowsServer is the server side of the GetFlows stream.
type FlowObserver_GetFlowsServer interface {
	Send(*GetFlowsResponse) error
	grpc.ServerStream
}

type flowObserverGetFlowsServer struct{ grpc.ServerStream }

func (x *flowObserverGetFlowsServer) Send(m *GetFlowsResponse) error {
	return x.ServerStream.SendMsg(m)
}

func flowObserverGetFlowsHandler(srv any, stream grpc.ServerStream) error {
	m := new(GetFlowsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FlowObserverServer).GetFlows(m, &flowObserverGetFlowsServer{stream})
}

// FlowObserver_GetAgentEventsServer is the server side of the
// GetAgentEvents stream.
type FlowObserver_GetAgentEventsServer interface {
	Send(*GetAgentEventsResponse) error
	grpc.ServerStream
}

type flowObserverGetAgentEventsServer struct{ grpc.ServerStream }

func (x *flowObserverGetAgentEventsServer) Send(m *GetAgentEventsResponse) error {
	return x.ServerStream.SendMsg(m)
}

func flowObserverGetAgentEventsHandler(srv any, stream grpc.ServerStream) error {
	m := new(GetAgentEventsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FlowObserverServer).GetAgentEvents(m, &flowObserverGetAgentEventsServer{stream})
}

// FlowObserver_GetDebugEventsServer is the server side of the
// GetDebugEvents stream.
type FlowObserver_GetDebugEventsServer interface {
	Send(*GetDebugEventsResponse) error
	grpc.ServerStream
}

type flowObserverGetDebugEventsServer struct{ grpc.ServerStream }

func (x *flowObserverGetDebugEventsServer) Send(m *GetDebugEventsResponse) error {
	return x.ServerStream.SendMsg(m)
}

func flowObserverGetDebugEventsHandler(srv any, stream grpc.ServerStream) error {
	m := new(GetDebugEventsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FlowObserverServer).GetDebugEvents(m, &flowObserverGetDebugEventsServer{stream})
}

func flowObserverGetNodesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetNodesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FlowObserverServer).GetNodes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + flowObserverServiceName + "/GetNodes"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FlowObserverServer).GetNodes(ctx, req.(*GetNodesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func flowObserverGetNamespacesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetNamespacesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FlowObserverServer).GetNamespaces(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + flowObserverServiceName + "/GetNamespaces"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FlowObserverServer).GetNamespaces(ctx, req.(*GetNamespacesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func flowObserverServerStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ServerStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FlowObserverServer).ServerStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + flowObserverServiceName + "/ServerStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FlowObserverServer).ServerStatus(ctx, req.(*ServerStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// FlowObserverServiceDesc is registered against a *grpc.Server via
// RegisterFlowObserverServer.
var FlowObserverServiceDesc = grpc.ServiceDesc{
	ServiceName: flowObserverServiceName,
	HandlerType: (*FlowObserverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetNodes", Handler: flowObserverGetNodesHandler},
		{MethodName: "GetNamespaces", Handler: flowObserverGetNamespacesHandler},
		{MethodName: "ServerStatus", Handler: flowObserverServerStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GetFlows", Handler: flowObserverGetFlowsHandler, ServerStreams: true},
		{StreamName: "GetAgentEvents", Handler: flowObserverGetAgentEventsHandler, ServerStreams: true},
		{StreamName: "GetDebugEvents", Handler: flowObserverGetDebugEventsHandler, ServerStreams: true},
	},
	Metadata: "netobs/agent/rpc.proto",
}

// RegisterFlowObserverServer registers impl against s.
func RegisterFlowObserverServer(s *grpc.Server, impl FlowObserverServer) {
	s.RegisterService(&FlowObserverServiceDesc, impl)
}

// ---- Peer messages ----

// ChangeNotificationType discriminates a peer-stream notification.
type ChangeNotificationType int

const (
	ChangeAdded ChangeNotificationType = iota
	ChangeUpdated
	ChangeDeleted
)

func (t ChangeNotificationType) String() string {
	switch t {
	case ChangeAdded:
		return "ADDED"
	case ChangeUpdated:
		return "UPDATED"
	case ChangeDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// NotifyRequest takes no parameters; subscribing implies the full
// snapshot-then-live-updates contract.
type NotifyRequest struct{}

// ChangeNotification is one node add/update/delete event.
type ChangeNotification struct {
	Name    string                 `json:"name"`
	Address string                 `json:"address"`
	Type    ChangeNotificationType `json:"type"`
}

// PeerServer is implemented by PeerService.
type PeerServer interface {
	Notify(req *NotifyRequest, stream Peer_NotifyServer) error
}

// Peer_NotifyServer is the server side of the Notify stream.
type Peer_NotifyServer interface {
	Send(*ChangeNotification) error
	grpc.ServerStream
}

type peerNotifyServer struct{ grpc.ServerStream }

func (x *peerNotifyServer) Send(m *ChangeNotification) error {
	return x.ServerStream.SendMsg(m)
}

func peerNotifyHandler(srv any, stream grpc.ServerStream) error {
	m := new(NotifyRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PeerServer).Notify(m, &peerNotifyServer{stream})
}

// PeerServiceDesc is registered against a *grpc.Server via
// RegisterPeerServer.
var PeerServiceDesc = grpc.ServiceDesc{
	ServiceName: peerServiceName,
	HandlerType: (*PeerServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Notify", Handler: peerNotifyHandler, ServerStreams: true},
	},
	Metadata: "netobs/agent/peer.proto",
}

// RegisterPeerServer registers impl against s.
func RegisterPeerServer(s *grpc.Server, impl PeerServer) {
	s.RegisterService(&PeerServiceDesc, impl)
}
