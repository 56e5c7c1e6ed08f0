// Package server assembles one cluster node: the topology store, the change
// participant and coordinator, the management endpoint, stripe replication
// and gossip. It also runs the loops that keep the node in line with its
// peers after crashes and partitions.
package server

import (
    "context"
    "sync"
    "sync/atomic"
    "time"

    "github.com/akashicloud/terracotta-platform/pkg/actuator"
    "github.com/akashicloud/terracotta-platform/pkg/change"
    "github.com/akashicloud/terracotta-platform/pkg/coordinator"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/membership"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    obsmetrics "github.com/akashicloud/terracotta-platform/pkg/observability/metrics"
    "github.com/akashicloud/terracotta-platform/pkg/replication"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
)

const defaultRecoveryInterval = 5 * time.Second

// Server is one running node.
type Server struct {
    opts Options
    mu   sync.Mutex
    run  struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
    }
    part  *coordinator.Participant
    coord *coordinator.Coordinator
    recov *coordinator.Recoverer
    eb    eventBus
    // kick asks the recovery loop for an immediate pass.
    kick   chan struct{}
    formed atomic.Bool
    wg     sync.WaitGroup
}

// New wires the node's components without any network activity.
func New(opts Options) (*Server, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = logutil.Default() }
    if opts.RecoveryInterval <= 0 { opts.RecoveryInterval = defaultRecoveryInterval }
    opts.RequestTimeout = opts.requestTimeout()
    if opts.RecoveryGrace <= 0 { opts.RecoveryGrace = opts.RequestTimeout + graceMargin }
    if opts.ServerOf == nil { opts.ServerOf = replication.DefaultServerOf }
    s := &Server{opts: opts, kick: make(chan struct{}, 1)}

    var roles coordinator.RoleSource = coordinator.StaticRoles{}
    var act actuator.Actuator = actuator.Nop{}
    var evidence coordinator.Evidence
    if g := opts.Replication; g != nil {
        roles, act, evidence = g, replication.NewActuator(g, opts.ServerOf), g.Journal()
    }
    listeners := &actuator.Listeners{}
    listeners.Add(actuator.ListenerFuncs{
        Added:   func(stripeID int, n model.Node) { s.eb.publish(Event{Type: EventNodeAdded, StripeID: stripeID, Node: &n}) },
        Removed: func(stripeID int, n model.Node) { s.eb.publish(Event{Type: EventNodeRemoved, StripeID: stripeID, Node: &n}) },
    })
    if opts.Listener != nil { listeners.Add(opts.Listener) }

    part, err := coordinator.NewParticipant(coordinator.ParticipantOptions{
        UID: opts.UID, Store: opts.Store, Actuator: act, Listener: listeners, Roles: roles,
        Logger: logutil.Named(opts.Logger, "participant"), OnCommit: s.onCommit, OnInstall: s.onInstall,
    })
    if err != nil { return nil, err }
    coord, err := coordinator.New(coordinator.Options{Local: part, Client: opts.RPCClient, CallTimeout: opts.CallTimeout,
        RequestTimeout: opts.RequestTimeout, Logger: logutil.Named(opts.Logger, "coordinator")})
    if err != nil { return nil, err }
    recov, err := coordinator.NewRecoverer(coordinator.RecovererOptions{Local: part, Client: opts.RPCClient, Grace: opts.RecoveryGrace,
        CallTimeout: opts.CallTimeout, Evidence: evidence, Logger: logutil.Named(opts.Logger, "recovery")})
    if err != nil { return nil, err }
    s.part, s.coord, s.recov = part, coord, recov
    return s, nil
}

// Start brings up replication, gossip and the management endpoint, then
// starts the background loops. The loops stop with ctx or Stop.
func (s *Server) Start(ctx context.Context) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.run.closed { return ErrStopped }
    if s.run.started { return nil }
    obsmetrics.Register()
    ctx, cancel := context.WithCancel(ctx)
    s.run.cancel = cancel

    if g := s.opts.Replication; g != nil {
        if err := g.Start(ctx); err != nil { cancel(); return err }
        if s.opts.Store.Activated() {
            c, _ := s.opts.Store.Runtime()
            s.formGroup(c)
        }
    }
    if m := s.opts.Membership; m != nil {
        if err := m.Start(ctx); err != nil { cancel(); return err }
        s.joinSeeds()
    }
    if err := s.opts.RPCServer.Start(ctx, s.coord.Handlers()); err != nil { cancel(); return err }
    logutil.Infof(s.opts.Logger, "node %s serving management calls at %s", s.part.Name(), s.opts.RPCServer.Addr())

    s.run.started = true
    s.spawn(func() { s.recoveryLoop(ctx) })
    if s.opts.Membership != nil { s.spawn(func() { s.membershipEventsLoop(ctx) }) }
    if s.opts.Replication != nil { s.spawn(func() { s.leaderLoop(ctx) }) }
    return nil
}

func (s *Server) spawn(fn func()) {
    s.wg.Add(1)
    go func() { defer s.wg.Done(); fn() }()
}

// Stop leaves the gossip pool and shuts every component down.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    if s.run.closed { s.mu.Unlock(); return nil }
    s.run.closed = true
    started := s.run.started
    if s.run.cancel != nil { s.run.cancel() }
    s.mu.Unlock()
    if !started { return s.opts.Store.Close() }

    if m := s.opts.Membership; m != nil {
        _ = m.Leave()
        _ = m.Stop()
    }
    if g := s.opts.Replication; g != nil { _ = g.Stop() }
    err := s.opts.RPCServer.Stop(ctx)
    s.wg.Wait()
    s.coord.Wait()
    if cerr := s.opts.Store.Close(); err == nil { err = cerr }
    return err
}

// Close is Stop with a background context.
func (s *Server) Close() error { return s.Stop(context.Background()) }

func (s *Server) started() error {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.run.closed { return ErrStopped }
    if !s.run.started { return ErrNotStarted }
    return nil
}

// Submit coordinates ch from this node.
func (s *Server) Submit(ctx context.Context, ch change.Change) (*coordinator.Result, error) {
    if err := s.started(); err != nil { return nil, err }
    return s.coord.Submit(ctx, ch)
}

// Reconcile runs one recovery pass now.
func (s *Server) Reconcile(ctx context.Context) (coordinator.Report, error) {
    if err := s.started(); err != nil { return coordinator.Report{}, err }
    return s.reconcile(ctx)
}

func (s *Server) reconcile(ctx context.Context) (coordinator.Report, error) {
    rep, err := s.recov.Reconcile(ctx)
    if err != nil {
        logutil.Warnf(s.opts.Logger, "recovery failed: %v", err)
        return rep, err
    }
    if rep.Action != coordinator.ActionNone {
        ev := Event{Type: EventRecovered, ChangeID: rep.ChangeID, Version: rep.Version, Details: map[string]string{"action": string(rep.Action)}}
        if rep.Inconsistency != nil { ev.Details["inconsistency"] = rep.Inconsistency.Error() }
        s.eb.publish(ev)
    }
    return rep, nil
}

// Participant exposes the node side of the protocol, mainly for embedding
// and tests.
func (s *Server) Participant() *coordinator.Participant { return s.part }

// Status reports the node's own view.
func (s *Server) Status(ctx context.Context) (*Status, error) {
    view, err := s.part.Topology(ctx)
    if err != nil { return nil, err }
    st := &Status{
        Node: view.Node, UID: view.UID, Role: view.Role, Activated: view.Activated,
        Version: view.Version, UpcomingVersion: view.UpcomingVersion, Staged: view.Staged, Health: -1,
    }
    if view.Runtime != nil { st.RuntimeNodes = view.Runtime.NodeCount() }
    if view.Upcoming != nil { st.UpcomingNodes = view.Upcoming.NodeCount() }
    if g := s.opts.Replication; g != nil {
        if id, _, ok := g.Leader(); ok { st.StripeLeader = id }
        st.Term = g.Term()
    }
    if m := s.opts.Membership; m != nil {
        st.Members = m.Members()
        if hr, ok := m.(membership.HealthReporter); ok { st.Health = hr.HealthScore() }
    }
    if view.Staged != nil { st.Warnings = append(st.Warnings, "change staged: "+view.Staged.Summary) }
    if !view.Role.Settled() && view.Activated { st.Warnings = append(st.Warnings, "node is "+string(view.Role)) }
    return st, nil
}

func (s *Server) onCommit(t topology.Transition) {
    if g := s.opts.Replication; g != nil {
        if t.Activates { s.formGroup(t.To) }
        if err := g.Record(t); err != nil { logutil.Warnf(s.opts.Logger, "journal %s: %v", t.ChangeID, err) }
    }
    s.eb.publish(Event{Type: EventChangeCommitted, ChangeID: t.ChangeID, Version: t.Version})
}

func (s *Server) onInstall(_ *model.Cluster, version uint64, activated bool) {
    s.eb.publish(Event{Type: EventTopologyInstalled, Version: version, Details: map[string]string{"activated": boolString(activated)}})
}

// formGroup bootstraps the stripe's replication group from the members of
// the local stripe in c. Nodes added later join through the leader.
func (s *Server) formGroup(c *model.Cluster) {
    g := s.opts.Replication
    if g == nil || s.formed.Load() { return }
    _, ref, ok := c.FindNode(s.opts.UID)
    if !ok { return }
    idx := ref.StripeID - 1
    var servers []replication.Server
    for _, n := range c.Stripes[idx].Nodes {
        servers = append(servers, s.opts.ServerOf(n.Hostname, n.Port, n.GroupPort))
    }
    if err := g.Bootstrap(servers); err != nil {
        logutil.Errorf(s.opts.Logger, "forming replication group of stripe %d: %v", idx+1, err)
        return
    }
    s.formed.Store(true)
    logutil.Infof(s.opts.Logger, "replication group of stripe %d formed with %d servers", idx+1, len(servers))
}

func (s *Server) joinSeeds() {
    if s.opts.Discovery == nil { return }
    seeds := s.opts.Discovery.Seeds()
    if len(seeds) == 0 { return }
    logutil.Infof(s.opts.Logger, "joining gossip seeds: %v", seeds)
    if err := s.opts.Membership.Join(seeds); err != nil { logutil.Warnf(s.opts.Logger, "gossip join: %v", err) }
}

func (s *Server) recoveryLoop(ctx context.Context) {
    ticker := time.NewTicker(s.opts.RecoveryInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
        case <-s.kick:
        }
        _, _ = s.reconcile(ctx)
        // a node alone in the gossip pool retries its seeds
        if m := s.opts.Membership; m != nil && len(m.Members()) <= 1 { s.joinSeeds() }
    }
}

func (s *Server) requestRecovery() {
    select {
    case s.kick <- struct{}{}:
    default:
    }
}

// membershipEventsLoop turns gossip into events and asks for a recovery pass
// whenever a peer (re)appears, which is when a healed partition shows.
func (s *Server) membershipEventsLoop(ctx context.Context) {
    evch := s.opts.Membership.Events()
    self := s.opts.Membership.Local().Name
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            if e.Member.Name == self { continue }
            m := e.Member
            switch e.Type {
            case membership.EventJoin:
                s.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &m})
                s.requestRecovery()
            case membership.EventLeave:
                s.eb.publish(Event{Type: EventMemberLeave, At: e.At, Member: &m})
            }
        }
    }
}

func (s *Server) leaderLoop(ctx context.Context) {
    ch := s.opts.Replication.LeaderCh()
    for {
        select {
        case <-ctx.Done():
            return
        case li := <-ch:
            s.eb.publish(Event{Type: EventLeaderChanged, Leader: li.ID, Details: map[string]string{"addr": li.Addr}})
        }
    }
}

func boolString(b bool) string {
    if b { return "true" }
    return "false"
}
