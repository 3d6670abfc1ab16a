package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the signal service. Requests and
// responses are google.protobuf.Struct documents, so no generated stubs are
// needed on either side.
const ServiceName = "mitigation.v1.SignalService"

type SignalServer interface {
	Trigger(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetExecution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelExecution(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var SignalServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SignalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Trigger", Handler: unary("Trigger", SignalServer.Trigger)},
		{MethodName: "GetExecution", Handler: unary("GetExecution", SignalServer.GetExecution)},
		{MethodName: "CancelExecution", Handler: unary("CancelExecution", SignalServer.CancelExecution)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mitigation/v1/signal.proto",
}

type method func(SignalServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SignalServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SignalServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SignalClient calls the signal service over an existing connection.
type SignalClient struct {
	cc grpc.ClientConnInterface
}

func NewSignalClient(cc grpc.ClientConnInterface) *SignalClient {
	return &SignalClient{cc: cc}
}

func (c *SignalClient) call(ctx context.Context, name string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+name, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SignalClient) Trigger(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "Trigger", in, opts...)
}

func (c *SignalClient) GetExecution(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "GetExecution", in, opts...)
}

func (c *SignalClient) CancelExecution(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "CancelExecution", in, opts...)
}
