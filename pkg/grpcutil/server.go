// Package grpcutil holds the gRPC server construction and error-mapping
// helpers shared by the operator's agent-facing stream and the agent's
// observer-facing streams, grounded on controller/util and
// controller/api/util.
package grpcutil

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
)

// NewServer returns a grpc.Server pre-wired with Prometheus unary/stream
// interceptors, matching controller/util.NewGrpcServer.
func NewServer(extra ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{
		grpc.UnaryInterceptor(grpcprometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpcprometheus.StreamServerInterceptor),
	}, extra...)

	server := grpc.NewServer(opts...)
	grpcprometheus.Register(server)
	return server
}
