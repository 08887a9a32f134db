// Package rpc implements the operator's agent-facing identity-sync
// streaming service. Since this module is built without
// running protoc, the service contract below is hand-written in the same
// shape protoc-gen-go-grpc would generate (ServiceDesc + client/server
// stream wrappers over grpc.ClientStream/grpc.ServerStream), and messages
// travel as JSON via pkg/grpcutil's registered codec instead of the
// protobuf wire format. See DESIGN.md.
package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/netobs/netobs/pkg/identity"
)

const serviceName = "netobs.operator.IdentitySync"

// SyncRequest is the single message an agent sends to open the stream.
type SyncRequest struct {
	NodeName string `json:"node_name"`
}

// SyncUpdate is one cache change: an upsert (Identity populated), a
// delete (Identity zero value), or the shutdown sentinel (IP and Identity
// empty).
type SyncUpdate struct {
	Kind     string            `json:"kind"` // "upsert" | "delete" | "shutdown"
	IP       string            `json:"ip"`
	Resource string            `json:"resource,omitempty"` // "Pod" | "Service" | "Node"
	Identity identity.Identity `json:"identity,omitempty"`
}

// SyncMessage is the envelope sent on the wire: at most one of Batch,
// Update or SyncComplete is set (the snapshot batch of an empty cache
// arrives with none set).
type SyncMessage struct {
	Batch        []SyncUpdate `json:"batch,omitempty"`
	Update       *SyncUpdate  `json:"update,omitempty"`
	SyncComplete bool         `json:"sync_complete,omitempty"`
}

// IdentitySyncServer is implemented by Server.
type IdentitySyncServer interface {
	Sync(req *SyncRequest, stream IdentitySync_SyncServer) error
}

// IdentitySync_SyncServer is the server side of the Sync stream.
type IdentitySync_SyncServer interface {
	Send(*SyncMessage) error
	grpc.ServerStream
}

type identitySyncSyncServer struct {
	grpc.ServerStream
}

func (x *identitySyncSyncServer) Send(m *SyncMessage) error {
	return x.ServerStream.SendMsg(m)
}

func identitySyncSyncHandler(srv any, stream grpc.ServerStream) error {
	m := new(SyncRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(IdentitySyncServer).Sync(m, &identitySyncSyncServer{stream})
}

// ServiceDesc is registered against a *grpc.Server via RegisterServer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*IdentitySyncServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       identitySyncSyncHandler,
			ServerStreams: true,
		},
	},
	Metadata: "netobs/operator/rpc.proto",
}

// RegisterServer registers impl against s.
func RegisterServer(s *grpc.Server, impl IdentitySyncServer) {
	s.RegisterService(&ServiceDesc, impl)
}

// IdentitySyncClient is the agent-side stub.
type IdentitySyncClient interface {
	Sync(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (IdentitySync_SyncClient, error)
}

type identitySyncClient struct {
	cc grpc.ClientConnInterface
}

// NewClient returns an IdentitySyncClient bound to cc.
func NewClient(cc grpc.ClientConnInterface) IdentitySyncClient {
	return &identitySyncClient{cc: cc}
}

func (c *identitySyncClient) Sync(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (IdentitySync_SyncClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/Sync", opts...)
	if err != nil {
		return nil, err
	}
	x := &identitySyncSyncClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// IdentitySync_SyncClient is the agent side of the Sync stream.
type IdentitySync_SyncClient interface {
	Recv() (*SyncMessage, error)
	grpc.ClientStream
}

type identitySyncSyncClient struct {
	grpc.ClientStream
}

func (x *identitySyncSyncClient) Recv() (*SyncMessage, error) {
	m := new(SyncMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
