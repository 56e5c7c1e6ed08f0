package coordinator

import (
    "context"
    "fmt"
    "sort"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/akashicloud/terracotta-platform/pkg/actuator"
    "github.com/akashicloud/terracotta-platform/pkg/change"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/setting"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
    "github.com/akashicloud/terracotta-platform/pkg/transport/memtransport"
)

const (
    testCallTimeout    = 200 * time.Millisecond
    testRequestTimeout = 3 * time.Second
)

type testNode struct {
    node  model.Node
    store *topology.Store
    part  *Participant
    coord *Coordinator
    rec   *Recoverer
    act   *actuator.Recorder
}

func (n *testNode) version() uint64 {
    _, v := n.store.Runtime()
    return v
}

func (n *testNode) runtime() *model.Cluster {
    c, _ := n.store.Runtime()
    return c
}

type harness struct {
    t     *testing.T
    ctx   context.Context
    net   *memtransport.Network
    nodes map[string]*testNode
    // wrap lets a test interpose on the client a node coordinates with.
    wrap func(from model.Node, c transport.RPCClient) transport.RPCClient
}

func testNodeSpec(i int) model.Node {
    return model.Node{UID: fmt.Sprintf("n%d", i), Name: fmt.Sprintf("node-%d", i), Hostname: fmt.Sprintf("host%d", i), Port: 9410, GroupPort: 9430}
}

// stripeOf returns a one-stripe cluster of n nodes.
func stripeOf(n int, fp model.FailoverPriority) *model.Cluster {
    c := model.NewCluster("tc", testNodeSpec(1))
    for i := 2; i <= n; i++ { c.Stripes[0].Nodes = append(c.Stripes[0].Nodes, testNodeSpec(i)) }
    c.FailoverPriority = fp
    c.Offheap = map[string]model.Memory{"main": model.MustMemory("512MB")}
    return c
}

func newHarness(t *testing.T) *harness {
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    return &harness{t: t, ctx: ctx, net: memtransport.NewNetwork(), nodes: map[string]*testNode{}}
}

// start brings up every node of c at version 1.
func (h *harness) start(c *model.Cluster, activated bool) *harness {
    for _, ref := range c.Nodes() {
        n, _, _ := c.FindNode(ref.UID)
        h.join(*n, c, activated)
    }
    return h
}

// join starts one node serving seed as its runtime topology.
func (h *harness) join(n model.Node, seed *model.Cluster, activated bool) *testNode {
    t := h.t
    store, err := topology.New(seed, topology.Options{})
    require.NoError(t, err)
    if activated { require.NoError(t, store.Install(seed, 1, true, true)) }
    rec := &actuator.Recorder{}
    part, err := NewParticipant(ParticipantOptions{UID: n.UID, Store: store, Actuator: rec, Listener: rec, Roles: h.roles(n), Logger: logutil.Nop()})
    require.NoError(t, err)
    var client transport.RPCClient = h.net.Client(n.Addr())
    if h.wrap != nil { client = h.wrap(n, client) }
    coord, err := New(Options{Local: part, Client: client, CallTimeout: testCallTimeout, RequestTimeout: testRequestTimeout, Logger: logutil.Nop()})
    require.NoError(t, err)
    recov, err := NewRecoverer(RecovererOptions{Local: part, Client: client, Grace: time.Nanosecond, CallTimeout: testCallTimeout, Logger: logutil.Nop()})
    require.NoError(t, err)
    require.NoError(t, h.net.Server(n.Addr()).Start(h.ctx, coord.Handlers()))
    tn := &testNode{node: n, store: store, part: part, coord: coord, rec: recov, act: rec}
    h.nodes[n.UID] = tn
    return tn
}

func (h *harness) node(uid string) *testNode {
    n, ok := h.nodes[uid]
    require.True(h.t, ok, "unknown node %s", uid)
    return n
}

func (h *harness) addrs(uids ...string) []string {
    out := make([]string, 0, len(uids))
    for _, u := range uids { out = append(out, h.node(u).node.Addr()) }
    return out
}

// roles derives replication roles from reachability: a node that reaches a
// majority of its stripe is ACTIVE when it has the smallest UID among the
// nodes it reaches, PASSIVE otherwise, and BLOCKED without a majority.
func (h *harness) roles(self model.Node) RoleSource {
    return RoleFunc(func(c *model.Cluster, activated bool) model.Role {
        if !activated { return model.RoleDiagnostic }
        _, ref, ok := c.FindNode(self.UID)
        if !ok { return model.RoleStarting }
        members := c.Stripes[ref.StripeID-1].Nodes
        var reach []string
        for _, m := range members {
            if m.UID == self.UID || h.net.Reachable(self.Addr(), m.Addr()) { reach = append(reach, m.UID) }
        }
        if len(reach)*2 <= len(members) { return model.RoleBlocked }
        sort.Strings(reach)
        if reach[0] == self.UID { return model.RoleActive }
        return model.RolePassive
    })
}

func setChange(t *testing.T, raws ...string) *change.SettingMutation {
    t.Helper()
    cfgs, err := setting.ParseAll(raws, setting.OpSet)
    require.NoError(t, err)
    return &change.SettingMutation{Edits: cfgs}
}

func prepareReq(t *testing.T, id string, ch change.Change, base uint64) transport.PrepareRequest {
    t.Helper()
    b, err := change.Encode(ch)
    require.NoError(t, err)
    return transport.PrepareRequest{ChangeID: id, Change: b, BaseVersion: base, Coordinator: "test"}
}

// slowPrepare delays Prepare calls to one address past the caller's
// deadline; the call still lands afterwards.
type slowPrepare struct {
    transport.RPCClient
    addr   string
    delay  time.Duration
    landed chan struct{}
}

func (s *slowPrepare) Prepare(ctx context.Context, addr string, req transport.PrepareRequest) (transport.PrepareResponse, error) {
    if addr != s.addr { return s.RPCClient.Prepare(ctx, addr, req) }
    go func() {
        time.Sleep(s.delay)
        _, _ = s.RPCClient.Prepare(context.Background(), addr, req)
        close(s.landed)
    }()
    <-ctx.Done()
    return transport.PrepareResponse{}, ctx.Err()
}
