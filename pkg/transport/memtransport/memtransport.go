// Package memtransport connects in-process nodes without sockets. Messages
// are JSON round-tripped like on the wire; partitions, downed nodes and
// slow nodes can be injected.
package memtransport

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "time"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

// Network is the shared medium of a set of in-process nodes.
type Network struct {
    mu    sync.RWMutex
    nodes map[string]transport.Handlers
    group map[string]int
    down  map[string]bool
    delay map[string]time.Duration
}

func NewNetwork() *Network {
    return &Network{
        nodes: make(map[string]transport.Handlers),
        group: make(map[string]int),
        down:  make(map[string]bool),
        delay: make(map[string]time.Duration),
    }
}

// Partition splits the listed addresses into isolated groups. Addresses not
// listed share an implicit group of their own.
func (n *Network) Partition(groups ...[]string) {
    n.mu.Lock(); defer n.mu.Unlock()
    n.group = make(map[string]int)
    for i, g := range groups {
        for _, a := range g { n.group[a] = i + 1 }
    }
}

// Heal removes every partition.
func (n *Network) Heal() {
    n.mu.Lock(); defer n.mu.Unlock()
    n.group = make(map[string]int)
}

// SetDown makes addr unreachable from everyone, operators included.
func (n *Network) SetDown(addr string, down bool) {
    n.mu.Lock(); defer n.mu.Unlock()
    n.down[addr] = down
}

// SetDelay delays every call handled by addr. The call still runs to
// completion when the caller gives up first.
func (n *Network) SetDelay(addr string, d time.Duration) {
    n.mu.Lock(); defer n.mu.Unlock()
    n.delay[addr] = d
}

// Reachable reports whether from can reach to. An empty from is an operator
// outside every partition.
func (n *Network) Reachable(from, to string) bool {
    n.mu.RLock(); defer n.mu.RUnlock()
    _, ok := n.nodes[to]
    if !ok || n.down[to] || (from != "" && n.down[from]) { return false }
    return from == "" || n.group[from] == n.group[to]
}

func (n *Network) lookup(from, to string) (transport.Handlers, time.Duration, error) {
    if !n.Reachable(from, to) { return transport.Handlers{}, 0, fmt.Errorf("%w: %s", cfgerr.ErrUnreachable, to) }
    n.mu.RLock(); defer n.mu.RUnlock()
    return n.nodes[to], n.delay[to], nil
}

// Server registers a node's handlers under addr.
type Server struct {
    net  *Network
    addr string
}

func (n *Network) Server(addr string) *Server { return &Server{net: n, addr: addr} }

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    s.net.mu.Lock()
    if _, ok := s.net.nodes[s.addr]; ok { s.net.mu.Unlock(); return fmt.Errorf("memtransport: %s already registered", s.addr) }
    s.net.nodes[s.addr] = h
    s.net.mu.Unlock()
    go func() { <-ctx.Done(); _ = s.Stop(context.Background()) }()
    return nil
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Stop(context.Context) error {
    s.net.mu.Lock(); defer s.net.mu.Unlock()
    delete(s.net.nodes, s.addr)
    return nil
}

// Client issues calls on behalf of the node at from.
type Client struct {
    net  *Network
    from string
}

func (n *Network) Client(from string) *Client { return &Client{net: n, from: from} }

func roundTrip[T any](v T) (T, error) {
    var out T
    b, err := json.Marshal(v)
    if err != nil { return out, err }
    err = json.Unmarshal(b, &out)
    return out, err
}

// call runs fn against the handlers of addr, honoring the caller's deadline.
func call[Req, Resp any](ctx context.Context, c *Client, addr string, req Req, pick func(transport.Handlers) func(context.Context, Req) (Resp, error)) (Resp, error) {
    var zero Resp
    h, delay, err := c.net.lookup(c.from, addr)
    if err != nil { return zero, err }
    fn := pick(h)
    if fn == nil { return zero, fmt.Errorf("memtransport: %s: not supported", addr) }
    in, err := roundTrip(req)
    if err != nil { return zero, err }
    type result struct {
        resp Resp
        err  error
    }
    done := make(chan result, 1)
    go func() {
        if delay > 0 { time.Sleep(delay) }
        resp, err := fn(context.WithoutCancel(ctx), in)
        if err == nil { resp, err = roundTrip(resp) }
        done <- result{resp, err}
    }()
    select {
    case r := <-done:
        if r.err != nil { return zero, fmt.Errorf("%s: %w", addr, r.err) }
        // a reply crossing a partition raised meanwhile is lost
        if !c.net.Reachable(c.from, addr) { return zero, fmt.Errorf("%w: %s", cfgerr.ErrUnreachable, addr) }
        return r.resp, nil
    case <-ctx.Done():
        return zero, ctx.Err()
    }
}

type noRequest struct{}

func (c *Client) Topology(ctx context.Context, addr string) (transport.TopologyResponse, error) {
    return call(ctx, c, addr, noRequest{}, func(h transport.Handlers) func(context.Context, noRequest) (transport.TopologyResponse, error) {
        if h.Topology == nil { return nil }
        return func(ctx context.Context, _ noRequest) (transport.TopologyResponse, error) { return h.Topology(ctx) }
    })
}

func (c *Client) Prepare(ctx context.Context, addr string, req transport.PrepareRequest) (transport.PrepareResponse, error) {
    return call(ctx, c, addr, req, func(h transport.Handlers) func(context.Context, transport.PrepareRequest) (transport.PrepareResponse, error) { return h.Prepare })
}

func (c *Client) Decide(ctx context.Context, addr string, req transport.DecisionRequest) (transport.DecisionResponse, error) {
    return call(ctx, c, addr, req, func(h transport.Handlers) func(context.Context, transport.DecisionRequest) (transport.DecisionResponse, error) { return h.Decide })
}

func (c *Client) Outcome(ctx context.Context, addr string, req transport.OutcomeRequest) (transport.OutcomeResponse, error) {
    return call(ctx, c, addr, req, func(h transport.Handlers) func(context.Context, transport.OutcomeRequest) (transport.OutcomeResponse, error) { return h.Outcome })
}

func (c *Client) Install(ctx context.Context, addr string, req transport.InstallRequest) (transport.InstallResponse, error) {
    return call(ctx, c, addr, req, func(h transport.Handlers) func(context.Context, transport.InstallRequest) (transport.InstallResponse, error) { return h.Install })
}

func (c *Client) Submit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    return call(ctx, c, addr, req, func(h transport.Handlers) func(context.Context, transport.SubmitRequest) (transport.SubmitResponse, error) { return h.Submit })
}

var (
    _ transport.RPCServer = (*Server)(nil)
    _ transport.RPCClient = (*Client)(nil)
)
