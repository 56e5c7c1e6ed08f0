package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/akashicloud/terracotta-platform/pkg/observability/tracing"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

const serviceName = "dynconfig.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    addr   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}

var errNotSupported = errors.New("not supported")

// unary builds the method descriptor of one management call. The handler
// decodes Req with the JSON codec and hands it to call.
func unary[Req, Resp any](name string, call func(transport.Handlers, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
    full := "/" + serviceName + "/" + name
    return grpc.MethodDesc{
        MethodName: name,
        Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            h := srv.(*handlers).h
            handler := func(ctx context.Context, req interface{}) (interface{}, error) {
                ctx, end := tracing.StartSpan(ctx, "grpc."+name)
                defer end()
                out, err := call(h, ctx, req.(*Req))
                if errors.Is(err, errNotSupported) { return nil, status.Error(codes.Unimplemented, name+" not supported") }
                if err != nil { return nil, status.Error(codes.Internal, err.Error()) }
                return &out, nil
            }
            if interceptor == nil { return handler(ctx, in) }
            return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
        },
    }
}

// handlers is the service implementation registered with gRPC.
type handlers struct{ h transport.Handlers }

type managementServer interface{}

// Service descriptor (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        unary("Topology", func(h transport.Handlers, ctx context.Context, _ *empty) (transport.TopologyResponse, error) {
            if h.Topology == nil { return transport.TopologyResponse{}, errNotSupported }
            return h.Topology(ctx)
        }),
        unary("Prepare", func(h transport.Handlers, ctx context.Context, in *transport.PrepareRequest) (transport.PrepareResponse, error) {
            if h.Prepare == nil { return transport.PrepareResponse{}, errNotSupported }
            return h.Prepare(ctx, *in)
        }),
        unary("Decide", func(h transport.Handlers, ctx context.Context, in *transport.DecisionRequest) (transport.DecisionResponse, error) {
            if h.Decide == nil { return transport.DecisionResponse{}, errNotSupported }
            return h.Decide(ctx, *in)
        }),
        unary("Outcome", func(h transport.Handlers, ctx context.Context, in *transport.OutcomeRequest) (transport.OutcomeResponse, error) {
            if h.Outcome == nil { return transport.OutcomeResponse{}, errNotSupported }
            return h.Outcome(ctx, *in)
        }),
        unary("Install", func(h transport.Handlers, ctx context.Context, in *transport.InstallRequest) (transport.InstallResponse, error) {
            if h.Install == nil { return transport.InstallResponse{}, errNotSupported }
            return h.Install(ctx, *in)
        }),
        unary("Submit", func(h transport.Handlers, ctx context.Context, in *transport.SubmitRequest) (transport.SubmitResponse, error) {
            if h.Submit == nil { return transport.SubmitResponse{}, errNotSupported }
            return h.Submit(ctx, *in)
        }),
    },
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    s.addr = lis.Addr().String()
    // Force JSON codec to avoid requiring protobuf types
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&_Management_serviceDesc, &handlers{h: h})

    go func() {
        <-ctx.Done()
        // Graceful stop with a small timeout fallback
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    if s.addr != "" { return s.addr }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil { _ = s.lis.Close(); s.lis = nil }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
