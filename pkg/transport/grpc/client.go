package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    once    sync.Once
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

// invoke runs one unary call on a managed connection.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) Topology(ctx context.Context, addr string) (transport.TopologyResponse, error) {
    var out transport.TopologyResponse
    err := c.invoke(ctx, addr, "Topology", &empty{}, &out)
    return out, err
}

func (c *Client) Prepare(ctx context.Context, addr string, req transport.PrepareRequest) (transport.PrepareResponse, error) {
    var out transport.PrepareResponse
    err := c.invoke(ctx, addr, "Prepare", &req, &out)
    return out, err
}

func (c *Client) Decide(ctx context.Context, addr string, req transport.DecisionRequest) (transport.DecisionResponse, error) {
    var out transport.DecisionResponse
    err := c.invoke(ctx, addr, "Decide", &req, &out)
    return out, err
}

func (c *Client) Outcome(ctx context.Context, addr string, req transport.OutcomeRequest) (transport.OutcomeResponse, error) {
    var out transport.OutcomeResponse
    err := c.invoke(ctx, addr, "Outcome", &req, &out)
    return out, err
}

func (c *Client) Install(ctx context.Context, addr string, req transport.InstallRequest) (transport.InstallResponse, error) {
    var out transport.InstallResponse
    err := c.invoke(ctx, addr, "Install", &req, &out)
    return out, err
}

func (c *Client) Submit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    var out transport.SubmitResponse
    err := c.invoke(ctx, addr, "Submit", &req, &out)
    return out, err
}

// Close drops every cached connection.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

var _ transport.RPCClient = (*Client)(nil)
