// Package grpctransport carries the rpcendpoint.Endpoint/StorageEndpoint/
// SinkEndpoint contracts across a process boundary over gRPC. There is no
// .proto/protoc step in this tree: the wire messages below are plain Go
// structs marshaled through a small JSON codec registered with
// google.golang.org/grpc/encoding, and the service is described by a
// hand-built grpc.ServiceDesc instead of a generated one. Everything a
// generated stub would give a caller — RegisterXServer, a typed client,
// per-RPC error taxonomy — is hand-written here to the same shape.
package grpctransport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated per-call via grpc.CallContentSubtype on the
// client and matched against the server's registered codec; it replaces
// the "proto" subtype a generated stub would normally select.
const codecName = "json"

// jsonCodec implements encoding.Codec by delegating to encoding/json. It
// is registered globally at package init so any *grpc.ClientConn or
// *grpc.Server sharing this process can negotiate it.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
