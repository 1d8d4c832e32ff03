// Package v1 is the control API of the udpjobs daemon. Messages are protobuf
// well-known types, so the service is described here directly rather than
// generated from a .proto file.
package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "udpjobs.v1.RunService"

const (
	RunService_StartRun_FullMethodName = "/" + ServiceName + "/StartRun"
	RunService_StopRun_FullMethodName  = "/" + ServiceName + "/StopRun"
	RunService_GetRun_FullMethodName   = "/" + ServiceName + "/GetRun"
	RunService_WatchRun_FullMethodName = "/" + ServiceName + "/WatchRun"
)

// RunServiceClient is the client API for RunService.
type RunServiceClient interface {
	// StartRun starts a run of the configured job table and returns its id.
	StartRun(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	// StopRun stops the active run, cancelling unfinished rows.
	StopRun(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
	// GetRun returns the status of the most recent run, see RunStatus.
	GetRun(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	// WatchRun streams the row transitions of the most recent run as JSON
	// lines, from the start of the run until it exits.
	WatchRun(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error)
}

type runServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewRunServiceClient(cc grpc.ClientConnInterface) RunServiceClient {
	return &runServiceClient{cc}
}

func (c *runServiceClient) StartRun(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, RunService_StartRun_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *runServiceClient) StopRun(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, RunService_StopRun_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *runServiceClient) GetRun(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RunService_GetRun_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *runServiceClient) WatchRun(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	stream, err := c.cc.NewStream(ctx, &RunService_ServiceDesc.Streams[0], RunService_WatchRun_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[emptypb.Empty, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}

// RunService_WatchRunClient is the client side stream of WatchRun.
type RunService_WatchRunClient = grpc.ServerStreamingClient[wrapperspb.BytesValue]

// RunServiceServer is the server API for RunService.
type RunServiceServer interface {
	StartRun(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	StopRun(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	GetRun(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchRun(*emptypb.Empty, RunService_WatchRunServer) error
}

// RunService_WatchRunServer is the server side stream of WatchRun.
type RunService_WatchRunServer = grpc.ServerStreamingServer[wrapperspb.BytesValue]

// UnimplementedRunServiceServer can be embedded to have forward compatible
// implementations.
type UnimplementedRunServiceServer struct{}

func (UnimplementedRunServiceServer) StartRun(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method StartRun not implemented")
}

func (UnimplementedRunServiceServer) StopRun(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method StopRun not implemented")
}

func (UnimplementedRunServiceServer) GetRun(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetRun not implemented")
}

func (UnimplementedRunServiceServer) WatchRun(*emptypb.Empty, RunService_WatchRunServer) error {
	return status.Error(codes.Unimplemented, "method WatchRun not implemented")
}

func RegisterRunServiceServer(s grpc.ServiceRegistrar, srv RunServiceServer) {
	s.RegisterService(&RunService_ServiceDesc, srv)
}

func _RunService_StartRun_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(RunServiceServer).StartRun(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunService_StartRun_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunServiceServer).StartRun(ctx, req.(*emptypb.Empty))
	}

	return interceptor(ctx, in, info, handler)
}

func _RunService_StopRun_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(RunServiceServer).StopRun(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunService_StopRun_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunServiceServer).StopRun(ctx, req.(*emptypb.Empty))
	}

	return interceptor(ctx, in, info, handler)
}

func _RunService_GetRun_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(RunServiceServer).GetRun(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunService_GetRun_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunServiceServer).GetRun(ctx, req.(*emptypb.Empty))
	}

	return interceptor(ctx, in, info, handler)
}

func _RunService_WatchRun_Handler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}

	return srv.(RunServiceServer).WatchRun(m, &grpc.GenericServerStream[emptypb.Empty, wrapperspb.BytesValue]{ServerStream: stream})
}

// RunService_ServiceDesc is the grpc.ServiceDesc for RunService.
var RunService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartRun", Handler: _RunService_StartRun_Handler},
		{MethodName: "StopRun", Handler: _RunService_StopRun_Handler},
		{MethodName: "GetRun", Handler: _RunService_GetRun_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchRun",
			Handler:       _RunService_WatchRun_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "udpjobs/v1/run",
}
