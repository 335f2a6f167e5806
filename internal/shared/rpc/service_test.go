package rpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type coordinatorStub struct {
	registered *RegisterHostRequest
	reports    []*JobReport
}

func (s *coordinatorStub) RegisterHost(ctx context.Context, req *RegisterHostRequest) (*RegisterHostResponse, error) {
	s.registered = req
	return &RegisterHostResponse{Accepted: true, HeartbeatIntervalSeconds: 7}, nil
}

func (s *coordinatorStub) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return &HeartbeatResponse{Acknowledged: req.Host == "known"}, nil
}

func (s *coordinatorStub) UnregisterHost(ctx context.Context, req *UnregisterHostRequest) (*Empty, error) {
	if req.Host == "" {
		return nil, status.Error(codes.InvalidArgument, "host is required")
	}
	return &Empty{}, nil
}

func (s *coordinatorStub) ReportJob(ctx context.Context, req *JobReport) (*Empty, error) {
	s.reports = append(s.reports, req)
	return &Empty{}, nil
}

type producerStub struct {
	accepted []*AcceptJobRequest
}

func (p *producerStub) AcceptJob(ctx context.Context, req *AcceptJobRequest) (*Empty, error) {
	if req.Type == "busy" {
		return nil, status.Error(codes.ResourceExhausted, "at capacity")
	}
	p.accepted = append(p.accepted, req)
	return &Empty{}, nil
}

func dial(t *testing.T, register func(*grpc.Server), opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(opts...)
	register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestCoordinatorService_RoundTrip(t *testing.T) {
	stub := &coordinatorStub{}
	client := NewCoordinatorClient(dial(t, func(s *grpc.Server) { RegisterCoordinatorServer(s, stub) }))
	ctx := context.Background()

	resp, err := client.RegisterHost(ctx, &RegisterHostRequest{
		Host:        "capture-1",
		Address:     "10.0.0.5:50051",
		MaxJobs:     3,
		MemoryBytes: 8 << 30,
		Capabilities: []Capability{
			{Type: "encode", Path: "/encode", JobProducer: true},
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, 7, resp.HeartbeatIntervalSeconds)

	require.NotNil(t, stub.registered)
	assert.Equal(t, "capture-1", stub.registered.Host)
	assert.Equal(t, 3, stub.registered.MaxJobs)
	assert.Equal(t, uint64(8<<30), stub.registered.MemoryBytes)
	require.Len(t, stub.registered.Capabilities, 1)
	assert.True(t, stub.registered.Capabilities[0].JobProducer)

	hb, err := client.Heartbeat(ctx, &HeartbeatRequest{Host: "known"})
	require.NoError(t, err)
	assert.True(t, hb.Acknowledged)
	hb, err = client.Heartbeat(ctx, &HeartbeatRequest{Host: "stranger"})
	require.NoError(t, err)
	assert.False(t, hb.Acknowledged)

	require.NoError(t, client.ReportJob(ctx, &JobReport{
		JobID:      "42",
		Status:     "FINISHED",
		Action:     "PAUSE",
		Properties: map[string]string{"duration": "10"},
	}))
	require.Len(t, stub.reports, 1)
	assert.Equal(t, "10", stub.reports[0].Properties["duration"])

	err = client.UnregisterHost(ctx, &UnregisterHostRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestJobProducerService_RoundTrip(t *testing.T) {
	stub := &producerStub{}
	client := NewJobProducerClient(dial(t, func(s *grpc.Server) { RegisterJobProducerServer(s, stub) }))
	ctx := context.Background()

	require.NoError(t, client.AcceptJob(ctx, &AcceptJobRequest{
		JobID:     "1",
		Type:      "encode",
		Operation: OperationStart,
		Arguments: []string{`{"workflowId":"w"}`},
		Payload:   "<mediapackage/>",
	}))
	require.Len(t, stub.accepted, 1)
	assert.Equal(t, []string{`{"workflowId":"w"}`}, stub.accepted[0].Arguments)
	assert.Equal(t, "<mediapackage/>", stub.accepted[0].Payload)

	err := client.AcceptJob(ctx, &AcceptJobRequest{JobID: "2", Type: "busy"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestUnaryHandler_RunsInterceptor(t *testing.T) {
	var seen []string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = append(seen, info.FullMethod)
		return handler(ctx, req)
	}
	stub := &producerStub{}
	conn := dial(t, func(s *grpc.Server) { RegisterJobProducerServer(s, stub) }, grpc.UnaryInterceptor(interceptor))

	require.NoError(t, NewJobProducerClient(conn).AcceptJob(context.Background(), &AcceptJobRequest{JobID: "1", Type: "encode"}))
	assert.Equal(t, []string{"/lectern.v1.JobProducer/AcceptJob"}, seen)
}

func TestStructCodec(t *testing.T) {
	in := WorkflowSnapshot{
		WorkflowID:     "w",
		OperationIndex: 2,
		Configuration:  map[string]string{"a": "b"},
	}
	s, err := ToStruct(in)
	require.NoError(t, err)
	assert.Equal(t, "w", s.Fields["workflowId"].GetStringValue())

	var out WorkflowSnapshot
	require.NoError(t, FromStruct(s, &out))
	assert.Equal(t, in, out)
}
