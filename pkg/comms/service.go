package comms

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "speechq.QueueService"

	statusMethod   = "/" + ServiceName + "/Status"
	watchMethod    = "/" + ServiceName + "/Watch"
	shutdownMethod = "/" + ServiceName + "/Shutdown"
)

type QueueServiceServer interface {
	Status(context.Context, *StatusRequest) (*QueueStatus, error)
	Watch(*StatusRequest, QueueService_WatchServer) error
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error)
}

type QueueService_WatchServer interface {
	Send(*QueueStatus) error
	grpc.ServerStream
}

type queueServiceWatchServer struct {
	grpc.ServerStream
}

func (x *queueServiceWatchServer) Send(m *QueueStatus) error {
	return x.ServerStream.SendMsg(m)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServiceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServiceServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func shutdownHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ShutdownRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServiceServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: shutdownMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServiceServer).Shutdown(ctx, req.(*ShutdownRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(StatusRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(QueueServiceServer).Watch(in, &queueServiceWatchServer{stream})
}

var QueueServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Shutdown", Handler: shutdownHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

func RegisterQueueServiceServer(s grpc.ServiceRegistrar, srv QueueServiceServer) {
	s.RegisterService(&QueueServiceDesc, srv)
}

// NewServer returns a gRPC server that speaks the JSON codec.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	return grpc.NewServer(append([]grpc.ServerOption{grpc.ForceServerCodec(Codec{})}, opts...)...)
}

// DialOptions are the options a client needs on top of its transport
// credentials.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{}))}
}

type QueueServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewQueueServiceClient(cc grpc.ClientConnInterface) *QueueServiceClient {
	return &QueueServiceClient{cc: cc}
}

func (c *QueueServiceClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*QueueStatus, error) {
	out := new(QueueStatus)
	if err := c.cc.Invoke(ctx, statusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QueueServiceClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error) {
	out := new(ShutdownResponse)
	if err := c.cc.Invoke(ctx, shutdownMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type QueueService_WatchClient interface {
	Recv() (*QueueStatus, error)
	grpc.ClientStream
}

type queueServiceWatchClient struct {
	grpc.ClientStream
}

func (x *queueServiceWatchClient) Recv() (*QueueStatus, error) {
	m := new(QueueStatus)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *QueueServiceClient) Watch(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (QueueService_WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &QueueServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &queueServiceWatchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
