package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	CoordinatorServiceName = "lectern.v1.Coordinator"
	JobProducerServiceName = "lectern.v1.JobProducer"
)

const (
	registerHostMethod   = "/" + CoordinatorServiceName + "/RegisterHost"
	heartbeatMethod      = "/" + CoordinatorServiceName + "/Heartbeat"
	unregisterHostMethod = "/" + CoordinatorServiceName + "/UnregisterHost"
	reportJobMethod      = "/" + CoordinatorServiceName + "/ReportJob"
	acceptJobMethod      = "/" + JobProducerServiceName + "/AcceptJob"
)

// CoordinatorServer is implemented by the coordinator and called by capability hosts.
type CoordinatorServer interface {
	RegisterHost(ctx context.Context, req *RegisterHostRequest) (*RegisterHostResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	UnregisterHost(ctx context.Context, req *UnregisterHostRequest) (*Empty, error)
	ReportJob(ctx context.Context, req *JobReport) (*Empty, error)
}

// JobProducerServer is implemented by capability hosts. An error refuses the job.
type JobProducerServer interface {
	AcceptJob(ctx context.Context, req *AcceptJobRequest) (*Empty, error)
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

func RegisterJobProducerServer(s grpc.ServiceRegistrar, srv JobProducerServer) {
	s.RegisterService(&jobProducerServiceDesc, srv)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: CoordinatorServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterHost",
			Handler: unary(registerHostMethod, func(srv any, ctx context.Context, req *RegisterHostRequest) (*RegisterHostResponse, error) {
				return srv.(CoordinatorServer).RegisterHost(ctx, req)
			}),
		},
		{
			MethodName: "Heartbeat",
			Handler: unary(heartbeatMethod, func(srv any, ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
				return srv.(CoordinatorServer).Heartbeat(ctx, req)
			}),
		},
		{
			MethodName: "UnregisterHost",
			Handler: unary(unregisterHostMethod, func(srv any, ctx context.Context, req *UnregisterHostRequest) (*Empty, error) {
				return srv.(CoordinatorServer).UnregisterHost(ctx, req)
			}),
		},
		{
			MethodName: "ReportJob",
			Handler: unary(reportJobMethod, func(srv any, ctx context.Context, req *JobReport) (*Empty, error) {
				return srv.(CoordinatorServer).ReportJob(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lectern/v1/coordinator.proto",
}

var jobProducerServiceDesc = grpc.ServiceDesc{
	ServiceName: JobProducerServiceName,
	HandlerType: (*JobProducerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AcceptJob",
			Handler: unary(acceptJobMethod, func(srv any, ctx context.Context, req *AcceptJobRequest) (*Empty, error) {
				return srv.(JobProducerServer).AcceptJob(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lectern/v1/producer.proto",
}

// unary adapts a typed method to a gRPC handler. Requests arrive as a Struct; replies
// leave as a Struct, or as Empty for methods without a result.
func unary[Req, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		invoke := func(ctx context.Context, req any) (any, error) {
			msg := new(Req)
			if err := FromStruct(req.(*structpb.Struct), msg); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "%v", err)
			}
			out, err := call(srv, ctx, msg)
			if err != nil {
				return nil, err
			}
			return encodeReply(out)
		}
		if interceptor == nil {
			return invoke(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, invoke)
	}
}

func encodeReply(v any) (proto.Message, error) {
	if _, ok := v.(*Empty); ok {
		return &emptypb.Empty{}, nil
	}
	s, err := ToStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return s, nil
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	in, err := ToStruct(req)
	if err != nil {
		return nil, err
	}
	resp := new(Resp)
	if _, ok := any(resp).(*Empty); ok {
		if err := cc.Invoke(ctx, method, in, new(emptypb.Empty), opts...); err != nil {
			return nil, err
		}
		return resp, nil
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	if err := FromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

func (c *CoordinatorClient) RegisterHost(ctx context.Context, req *RegisterHostRequest, opts ...grpc.CallOption) (*RegisterHostResponse, error) {
	return invoke[RegisterHostResponse](ctx, c.cc, registerHostMethod, req, opts...)
}

func (c *CoordinatorClient) Heartbeat(ctx context.Context, req *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, heartbeatMethod, req, opts...)
}

func (c *CoordinatorClient) UnregisterHost(ctx context.Context, req *UnregisterHostRequest, opts ...grpc.CallOption) error {
	_, err := invoke[Empty](ctx, c.cc, unregisterHostMethod, req, opts...)
	return err
}

func (c *CoordinatorClient) ReportJob(ctx context.Context, req *JobReport, opts ...grpc.CallOption) error {
	_, err := invoke[Empty](ctx, c.cc, reportJobMethod, req, opts...)
	return err
}

type JobProducerClient struct {
	cc grpc.ClientConnInterface
}

func NewJobProducerClient(cc grpc.ClientConnInterface) *JobProducerClient {
	return &JobProducerClient{cc: cc}
}

func (c *JobProducerClient) AcceptJob(ctx context.Context, req *AcceptJobRequest, opts ...grpc.CallOption) error {
	_, err := invoke[Empty](ctx, c.cc, acceptJobMethod, req, opts...)
	return err
}
