package server

import (
    "context"
    "fmt"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/akashicloud/terracotta-platform/pkg/change"
    "github.com/akashicloud/terracotta-platform/pkg/coordinator"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/replication"
    "github.com/akashicloud/terracotta-platform/pkg/setting"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
    "github.com/akashicloud/terracotta-platform/pkg/transport/memtransport"
)

func nodeSpec(i int) model.Node {
    return model.Node{UID: fmt.Sprintf("n%d", i), Name: fmt.Sprintf("node-%d", i), Hostname: fmt.Sprintf("host%d", i), Port: 9410, GroupPort: 9430}
}

func stripeOf(n int) *model.Cluster {
    c := model.NewCluster("tc", nodeSpec(1))
    for i := 2; i <= n; i++ { c.Stripes[0].Nodes = append(c.Stripes[0].Nodes, nodeSpec(i)) }
    c.Offheap = map[string]model.Memory{"main": model.MustMemory("512MB")}
    return c
}

// inmemServerOf addresses in-memory raft transports, keyed by node id.
func inmemServerOf(hostname string, port, groupPort int) replication.Server {
    s := replication.DefaultServerOf(hostname, port, groupPort)
    s.Addr = s.ID
    return s
}

type cluster struct {
    t       *testing.T
    ctx     context.Context
    net     *memtransport.Network
    servers map[string]*Server
    groups  []*replication.Group
}

func startCluster(t *testing.T, c *model.Cluster, replicated bool) *cluster {
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    cl := &cluster{t: t, ctx: ctx, net: memtransport.NewNetwork(), servers: map[string]*Server{}}
    for _, ref := range c.Nodes() {
        store, err := topology.New(c, topology.Options{})
        require.NoError(t, err)
        opts := Options{
            UID: ref.UID, Store: store, RPCServer: cl.net.Server(ref.Addr), RPCClient: cl.net.Client(ref.Addr),
            Logger: logutil.Nop(), CallTimeout: 300 * time.Millisecond, RequestTimeout: 5 * time.Second,
            RecoveryGrace: 6 * time.Second, RecoveryInterval: time.Hour,
        }
        if replicated {
            g, err := replication.New(replication.Options{NodeID: ref.Addr, HeartbeatTimeout: 200 * time.Millisecond,
                ElectionTimeout: 200 * time.Millisecond, Logger: logutil.Nop()})
            require.NoError(t, err)
            opts.Replication, opts.ServerOf = g, inmemServerOf
            cl.groups = append(cl.groups, g)
        }
        s, err := New(opts)
        require.NoError(t, err)
        require.NoError(t, s.Start(ctx))
        t.Cleanup(func() { _ = s.Close() })
        cl.servers[ref.UID] = s
    }
    for i := range cl.groups {
        for j := i + 1; j < len(cl.groups); j++ { require.True(t, cl.groups[i].ConnectInmem(cl.groups[j])) }
    }
    return cl
}

func setChange(t *testing.T, raws ...string) *change.SettingMutation {
    t.Helper()
    cfgs, err := setting.ParseAll(raws, setting.OpSet)
    require.NoError(t, err)
    return &change.SettingMutation{Edits: cfgs}
}

func waitFor(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(10 * time.Second)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func TestOptions_Validate(t *testing.T) {
    assert.Error(t, Options{}.Validate())
    store, err := topology.New(stripeOf(1), topology.Options{})
    require.NoError(t, err)
    assert.Error(t, Options{UID: "n1", Store: store}.Validate())

    net := memtransport.NewNetwork()
    ok := Options{UID: "n1", Store: store, RPCServer: net.Server("a:1"), RPCClient: net.Client("a:1")}
    require.NoError(t, ok.Validate())

    o := ok
    o.RequestTimeout, o.RecoveryGrace = 5*time.Second, 5*time.Second
    assert.ErrorContains(t, o.Validate(), "must exceed the request timeout")
    o.RecoveryGrace = 10 * time.Second
    assert.NoError(t, o.Validate())
    o = ok
    o.RecoveryGrace = 10 * time.Second
    assert.Error(t, o.Validate(), "checked against the default request timeout")

    s, err := New(ok)
    require.NoError(t, err)
    assert.Greater(t, s.opts.RecoveryGrace, s.opts.RequestTimeout)
}

func TestServer_SubmitBeforeStart(t *testing.T) {
    net := memtransport.NewNetwork()
    store, err := topology.New(stripeOf(1), topology.Options{})
    require.NoError(t, err)
    s, err := New(Options{UID: "n1", Store: store, RPCServer: net.Server("host1:9410"), RPCClient: net.Client("host1:9410"), Logger: logutil.Nop()})
    require.NoError(t, err)
    _, err = s.Submit(context.Background(), setChange(t, "offheap-resources.main=1GB"))
    assert.ErrorIs(t, err, ErrNotStarted)
    require.NoError(t, s.Close())
    assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestServer_SubmitCommitsAndPublishes(t *testing.T) {
    cl := startCluster(t, stripeOf(3), false)
    events := cl.servers["n2"].Subscribe(cl.ctx)

    res, err := cl.servers["n1"].Submit(cl.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    assert.Equal(t, coordinator.StateDone, res.State)
    assert.Equal(t, uint64(2), res.Version)

    select {
    case e := <-events:
        assert.Equal(t, EventChangeCommitted, e.Type)
        assert.Equal(t, res.ChangeID, e.ChangeID)
    case <-time.After(2 * time.Second):
        t.Fatalf("no commit event on n2")
    }

    st, err := cl.servers["n3"].Status(cl.ctx)
    require.NoError(t, err)
    assert.Equal(t, uint64(2), st.Version)
    assert.Equal(t, 3, st.RuntimeNodes)
    assert.Equal(t, model.RoleDiagnostic, st.Role)
    assert.Equal(t, -1, st.Health)
    assert.Nil(t, st.Staged)
}

func TestServer_NodeRemovalEvents(t *testing.T) {
    cl := startCluster(t, stripeOf(3), false)
    events := cl.servers["n1"].Subscribe(cl.ctx)
    base, _ := cl.servers["n1"].Participant().Store().Runtime()

    _, err := cl.servers["n1"].Submit(cl.ctx, change.NewNodeRemoval(base, "n3"))
    require.NoError(t, err)
    for {
        select {
        case e := <-events:
            if e.Type != EventNodeRemoved { continue }
            require.NotNil(t, e.Node)
            assert.Equal(t, "n3", e.Node.UID)
            assert.Equal(t, 1, e.StripeID)
            return
        case <-time.After(2 * time.Second):
            t.Fatalf("no removal event")
        }
    }
}

func TestServer_ReconcileCatchesUp(t *testing.T) {
    cl := startCluster(t, stripeOf(3), false)
    cl.net.Partition([]string{"host3:9410"}, []string{"host1:9410", "host2:9410"})
    _, err := cl.servers["n1"].Submit(cl.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    cl.net.Heal()

    rep, err := cl.servers["n3"].Reconcile(cl.ctx)
    require.NoError(t, err)
    assert.Equal(t, coordinator.ActionCaughtUp, rep.Action)
    assert.Equal(t, uint64(2), rep.Version)
}

func TestServer_ActivationFormsReplicationGroup(t *testing.T) {
    cl := startCluster(t, stripeOf(3), true)

    res, err := cl.servers["n2"].Submit(cl.ctx, &change.ClusterActivation{Name: "prod"})
    require.NoError(t, err)
    require.Equal(t, coordinator.StateDone, res.State)

    waitFor(t, "settled roles", func() bool {
        active := 0
        for _, s := range cl.servers {
            r := s.Participant().Role()
            if !r.Settled() { return false }
            if r == model.RoleActive { active++ }
        }
        return active == 1
    })

    res, err = cl.servers["n3"].Submit(cl.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    assert.Equal(t, uint64(3), res.Version)

    waitFor(t, "journal entry on every node", func() bool {
        for _, g := range cl.groups {
            if _, ok := g.Journal().Committed(res.ChangeID); !ok { return false }
        }
        return true
    })

    st, err := cl.servers["n1"].Status(cl.ctx)
    require.NoError(t, err)
    assert.True(t, st.Activated)
    assert.NotEmpty(t, st.StripeLeader)
}
