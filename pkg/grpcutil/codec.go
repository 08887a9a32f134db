package grpcutil

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/gzip" // self-registers the "gzip" compressor on import
)

// ContentSubtype is the gRPC content-subtype this codec registers under
// ("application/grpc+json" on the wire). Message types in operator/rpc and
// agent/rpc are hand-written Go structs rather than protoc-generated
// bindings (this module is built without running the Go/protobuf
// toolchain), so they are carried as JSON payloads instead of the
// protobuf wire format. gRPC's pluggable-codec mechanism is a first-class,
// documented feature (google.golang.org/grpc/encoding) precisely for this
// case; framing, streaming, flow control, compression and the
// Prometheus interceptors in NewServer all work unmodified. See DESIGN.md
// for the rationale.
const ContentSubtype = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return ContentSubtype }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CallOptions is the standard set of grpc.CallOption values clients in this
// module pass to Invoke/NewStream to select the JSON codec and request gzip
// compression on the request stream; the server applies the same compressor
// to responses once it has registered it (the gzip import above).
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{
		grpc.CallContentSubtype(ContentSubtype),
		grpc.UseCompressor(gzip.Name),
	}
}
