package server

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "poolledger.v1.PoolService"

// unary builds a method descriptor that decodes Req and dispatches to call.
func unary[Req any, Resp any](name string, call func(PoolServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PoolServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PoolServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// PoolServiceDesc describes poolledger.v1.PoolService. Messages travel
// with the json codec.
var PoolServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PoolServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Supply", PoolServiceServer.Supply),
		unary("Withdraw", PoolServiceServer.Withdraw),
		unary("Borrow", PoolServiceServer.Borrow),
		unary("Repay", PoolServiceServer.Repay),
		unary("GetAsset", PoolServiceServer.GetAsset),
		unary("GetPosition", PoolServiceServer.GetPosition),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "poolledger/v1/pool.proto",
}

// RegisterPoolServiceServer registers srv on s.
func RegisterPoolServiceServer(s grpc.ServiceRegistrar, srv PoolServiceServer) {
	s.RegisterService(&PoolServiceDesc, srv)
}
