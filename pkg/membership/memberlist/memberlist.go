// Package memberlist implements membership over hashicorp/memberlist.
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"
    "go.uber.org/zap"

    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    base "github.com/akashicloud/terracotta-platform/pkg/membership"
    obsmetrics "github.com/akashicloud/terracotta-platform/pkg/observability/metrics"
)

// Options configure the gossip endpoint of a node.
type Options struct {
    // Name is the gossip name; nodes use their management address.
    Name string
    // Bind is host:port; port 0 picks a free one.
    Bind string
    // Advertise is the address peers use, derived from Bind when empty.
    Advertise string
    // UID and MgmtAddr are gossiped as metadata.
    UID      string
    MgmtAddr string

    Logger *zap.SugaredLogger

    // Zero means memberlist defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

type impl struct {
    mu     sync.RWMutex
    opts   Options
    meta   []byte
    ml     *memberlist.Memberlist
    evts   chan base.Event
    closed bool
}

func New(opts Options) (base.Membership, error) {
    if opts.Name == "" { return nil, fmt.Errorf("memberlist: empty Name") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    if opts.MgmtAddr == "" { opts.MgmtAddr = opts.Name }
    meta, err := json.Marshal(map[string]string{base.MetaUID: opts.UID, base.MetaMgmt: opts.MgmtAddr})
    if err != nil { return nil, err }
    return &impl{opts: opts, meta: meta, evts: make(chan base.Event, 64)}, nil
}

func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }
    if m.closed { return fmt.Errorf("memberlist: stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.Name
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err) }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil { return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err) }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    if m.opts.Logger != nil { cfg.Logger = zap.NewStdLog(m.opts.Logger.Desugar()) }

    cfg.Events = &eventDelegate{emit: m.emit}
    cfg.Delegate = &nodeDelegate{meta: m.meta}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml
    obsmetrics.GossipMembers.Set(float64(ml.NumMembers()))

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    if err != nil && n == 0 { return err }
    return nil
}

func (m *impl) Local() base.Member {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.Member{} }
    return toMember(m.ml.LocalNode())
}

func (m *impl) Members() []base.Member {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.Member, 0, len(nodes))
    for _, n := range nodes { out = append(out, toMember(n)) }
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (m *impl) Stop() error {
    m.mu.Lock()
    if m.closed { m.mu.Unlock(); return nil }
    m.closed = true
    ml := m.ml
    m.ml = nil
    close(m.evts)
    m.mu.Unlock()
    // delegates may still be running; they see closed and drop their event
    if ml != nil { return ml.Shutdown() }
    return nil
}

// HealthScore is memberlist's awareness score.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.closed { return }
    if m.ml != nil { obsmetrics.GossipMembers.Set(float64(m.ml.NumMembers())) }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Member.Name)
    }
}

func toMember(n *memberlist.Node) base.Member {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.Member{Name: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, err }
    p, err := strconv.Atoi(ps)
    if err != nil || p < 0 || p > 65535 { return "", 0, fmt.Errorf("invalid port: %q", ps) }
    return host, p, nil
}

type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if d.emit == nil || n == nil { return }
    d.emit(base.Event{Type: t, Member: toMember(n), At: time.Now()})
}

// nodeDelegate gossips the node's metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
