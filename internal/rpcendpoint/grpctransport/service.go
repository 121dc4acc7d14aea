package grpctransport

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the gRPC service path every RPC below is registered
// under; a .proto file would call this "package.Service", but there is
// no .proto file here, just this constant.
const serviceName = "mmtransport.rpcendpoint.Endpoint"

// ServiceDesc is the hand-built equivalent of a protoc-gen-go-grpc
// _grpc.pb.go's ServiceDesc: it tells *grpc.Server which method names map
// to which handler, exactly as the generated file would, just written by
// hand instead of generated.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestConnection", Handler: requestConnectionHandler},
		{MethodName: "RequestQoS", Handler: requestQoSHandler},
		{MethodName: "GetStatistics", Handler: getStatisticsHandler},
		{MethodName: "Seek", Handler: seekHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpcendpoint/grpctransport/service.go",
}

func requestConnectionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(requestConnectionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).requestConnection(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestConnection"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).requestConnection(ctx, req.(*requestConnectionRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}

func requestQoSHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(requestQoSRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).requestQoS(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestQoS"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).requestQoS(ctx, req.(*requestQoSRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}

func getStatisticsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(getStatisticsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getStatistics(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStatistics"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).getStatistics(ctx, req.(*getStatisticsRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}

func seekHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(seekRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).seek(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Seek"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).seek(ctx, req.(*seekRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterEndpointServer wires srv's methods into s under ServiceDesc,
// mirroring the RegisterXServer call a generated _grpc.pb.go would expose.
func RegisterEndpointServer(s *grpc.Server, srv *Server) {
	s.RegisterService(&ServiceDesc, srv)
}
