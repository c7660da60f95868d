package transport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	raftServiceName   = "concord.RaftTransport"
	clientServiceName = "concord.Client"
)

// unary adapts a typed handler to grpc.MethodHandler, running the server's
// interceptor chain around it.
func unary[Req any, PReq interface {
	*Req
	message
}](service, method string, fn func(srv any, ctx context.Context, req PReq) (any, error)) grpc.MethodDesc {
	name := fullMethod(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv, ctx, req.(PReq))
			})
		},
	}
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}
