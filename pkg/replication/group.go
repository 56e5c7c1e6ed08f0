// Package replication runs the raft group of a stripe. The group leader is
// the stripe's active node and followers are passives; the replicated log
// carries the stripe's journal of committed topology changes. Attaching and
// detaching nodes reconfigures the group's voters.
package replication

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    obsmetrics "github.com/akashicloud/terracotta-platform/pkg/observability/metrics"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
)

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// Server is a voter of the group.
type Server struct {
    ID   string
    Addr string
}

// Group is one node's membership in its stripe's raft group.
type Group struct {
    opts    Options
    mu      sync.RWMutex
    r       *raft.Raft
    lch     chan LeaderInfo
    journal *Journal
    addr    raft.ServerAddress
    trans   raft.Transport
    lb      raft.LoopbackTransport
    closer  func() error
}

func New(opts Options) (*Group, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("replication: empty NodeID") }
    if opts.ReconfigureTimeout <= 0 { opts.ReconfigureTimeout = 3 * time.Second }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 2 * time.Second }
    return &Group{opts: opts, lch: make(chan LeaderInfo, 16), journal: NewJournal()}, nil
}

// Journal returns the replicated journal of this node.
func (g *Group) Journal() *Journal { return g.journal }

// Addr is the raft address of this node.
func (g *Group) Addr() string { return string(g.addr) }

func (g *Group) Start(ctx context.Context) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.r != nil { return nil }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(g.opts.NodeID)
    cfg.LogLevel = "WARN"
    if g.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = g.opts.HeartbeatTimeout
        // lease must not exceed the heartbeat
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if g.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = g.opts.ElectionTimeout }
    if g.opts.CommitTimeout > 0 { cfg.CommitTimeout = g.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        closer func() error
    )
    if g.opts.DataDir != "" {
        if g.opts.SnapshotsRetained == 0 { g.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(g.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(g.opts.DataDir, "raft.db"))
        if err != nil { return err }
        logs, stable = bstore, bstore
        closer = bstore.Close
        snaps, err = raft.NewFileSnapshotStore(g.opts.DataDir, g.opts.SnapshotsRetained, os.Stderr)
        if err != nil { _ = bstore.Close(); return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }
    if g.opts.BindAddr != "" {
        var adv net.Addr
        if g.opts.Advertise != "" {
            a, err := net.ResolveTCPAddr("tcp", g.opts.Advertise)
            if err != nil {
                if closer != nil { _ = closer() }
                return fmt.Errorf("replication: advertise %s: %w", g.opts.Advertise, err)
            }
            adv = a
        }
        nt, err := raft.NewTCPTransport(g.opts.BindAddr, adv, 3, time.Second, os.Stderr)
        if err != nil {
            if closer != nil { _ = closer() }
            return err
        }
        trans, addr = nt, nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(g.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, newJournalFSM(g.journal), logs, stable, snaps, trans)
    if err != nil {
        if closer != nil { _ = closer() }
        return err
    }
    g.r, g.addr, g.trans, g.closer = r, addr, trans, closer
    if lb, ok := trans.(raft.LoopbackTransport); ok { g.lb = lb }

    obsCh := make(chan raft.Observation, 32)
    r.RegisterObserver(raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    }))
    go func() {
        for range obsCh {
            obsmetrics.LeaderChanges.Inc()
            obsmetrics.IsLeader.Set(obsmetrics.Bool(g.IsLeader()))
            if id, addr, ok := g.Leader(); ok {
                logutil.Infof(g.opts.Logger, "stripe leader: id=%s addr=%s", id, addr)
                g.emitLeader(LeaderInfo{ID: id, Addr: addr, Term: g.Term()})
            }
        }
    }()

    go func() {
        <-ctx.Done()
        _ = g.Stop()
    }()
    return nil
}

// Bootstrap forms the group from servers unless this node already holds
// raft state. Every initial member may call it with the same servers.
func (g *Group) Bootstrap(servers []Server) error {
    r := g.raft()
    if r == nil { return fmt.Errorf("replication: not started") }
    cfg := raft.Configuration{}
    for _, s := range servers {
        cfg.Servers = append(cfg.Servers, raft.Server{ID: raft.ServerID(s.ID), Address: raft.ServerAddress(s.Addr)})
    }
    err := r.BootstrapCluster(cfg).Error()
    if err == raft.ErrCantBootstrap { return nil }
    return err
}

func (g *Group) raft() *raft.Raft {
    g.mu.RLock(); defer g.mu.RUnlock()
    return g.r
}

func (g *Group) IsLeader() bool {
    r := g.raft()
    return r != nil && r.State() == raft.Leader
}

func (g *Group) Leader() (id string, addr string, ok bool) {
    r := g.raft()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (g *Group) Term() uint64 {
    r := g.raft()
    if r == nil { return 0 }
    if v := r.Stats()["term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// LeaderCh delivers leadership updates; slow readers miss intermediate ones.
func (g *Group) LeaderCh() <-chan LeaderInfo { return g.lch }

func (g *Group) emitLeader(li LeaderInfo) {
    select {
    case g.lch <- li:
    default:
    }
}

func (g *Group) Stop() error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.r == nil { return nil }
    err := g.r.Shutdown().Error()
    g.r = nil
    obsmetrics.IsLeader.Set(0)
    if g.closer != nil {
        if cerr := g.closer(); err == nil { err = cerr }
        g.closer = nil
    }
    return err
}

// Role maps the group state onto the node's role. Before activation nodes
// are in diagnostic mode. A node without a known leader is blocked under
// consistency and stays active under availability.
func (g *Group) Role(c *model.Cluster, activated bool) model.Role {
    if !activated { return model.RoleDiagnostic }
    if g.raft() == nil { return model.RoleStarting }
    if g.IsLeader() { return model.RoleActive }
    if _, _, ok := g.Leader(); ok { return model.RolePassive }
    if c != nil && c.FailoverPriority.Consistency { return model.RoleBlocked }
    return model.RoleActive
}

// Record appends a committed transition to the stripe journal. Only the
// leader writes; followers ignore the call.
func (g *Group) Record(t topology.Transition) error {
    r := g.raft()
    if r == nil || r.State() != raft.Leader { return nil }
    payload, err := json.Marshal(Entry{ChangeID: t.ChangeID, Version: t.Version, Nodes: t.To.NodeCount(), At: time.Now()})
    if err != nil { return err }
    data, err := json.Marshal(Command{Op: opCommitted, Payload: payload})
    if err != nil { return err }
    af := r.Apply(data, g.opts.ApplyTimeout)
    if err := af.Error(); err != nil { return err }
    if e, ok := af.Response().(error); ok && e != nil { return e }
    return nil
}

// AddVoter adds a voting server, replacing a stale entry with the same id.
func (g *Group) AddVoter(id, addr string) error {
    r := g.raft()
    if r == nil { return fmt.Errorf("replication: not started") }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, g.opts.ReconfigureTimeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, g.opts.ReconfigureTimeout).Error()
}

// RemoveServer removes a server from the group if present.
func (g *Group) RemoveServer(id string) error {
    r := g.raft()
    if r == nil { return fmt.Errorf("replication: not started") }
    return r.RemoveServer(raft.ServerID(id), 0, g.opts.ReconfigureTimeout).Error()
}

// Formed reports whether the group has a configuration, from a bootstrap
// or from a leader that added this node.
func (g *Group) Formed() bool {
    r := g.raft()
    if r == nil { return false }
    cfg := r.GetConfiguration()
    return cfg.Error() == nil && len(cfg.Configuration().Servers) > 0
}

// Voters lists the ids of the current voters.
func (g *Group) Voters() ([]string, error) {
    r := g.raft()
    if r == nil { return nil, fmt.Errorf("replication: not started") }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err != nil { return nil, err }
    var out []string
    for _, s := range cfg.Configuration().Servers { out = append(out, string(s.ID)) }
    return out, nil
}

// ConnectInmem links the in-memory transports of two groups running in the
// same process. It reports false when either side uses another transport.
func (g *Group) ConnectInmem(peer *Group) bool {
    g.mu.RLock(); defer g.mu.RUnlock()
    peer.mu.RLock(); defer peer.mu.RUnlock()
    if g.lb == nil || peer.lb == nil { return false }
    g.lb.Connect(peer.addr, peer.trans)
    peer.lb.Connect(g.addr, g.trans)
    return true
}
