package coordinator

import (
    "context"
    "errors"
    "time"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    obsmetrics "github.com/akashicloud/terracotta-platform/pkg/observability/metrics"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

// Action is what a reconciliation did.
type Action string

const (
    ActionNone       Action = "none"
    ActionCommitted  Action = "committed"
    ActionRolledBack Action = "rolled_back"
    ActionCaughtUp   Action = "caught_up"
    // ActionDiverged reports peers running other content at the same
    // version. Nothing is changed; an operator has to pick a side.
    ActionDiverged Action = "diverged"
)

const defaultGrace = 20 * time.Second

// RecovererOptions configure a Recoverer.
type RecovererOptions struct {
    Local  *Participant
    Client transport.RPCClient
    // Grace is how long a staged change is left alone before it is
    // considered abandoned by its coordinator.
    Grace       time.Duration
    CallTimeout time.Duration
    // Evidence, when set, is consulted before the peers: a change it knows
    // as committed is committed without asking anyone.
    Evidence Evidence
    Logger   *zap.SugaredLogger
}

// Evidence is a local record of committed changes, such as the stripe's
// replicated journal.
type Evidence interface {
    Committed(changeID string) (uint64, bool)
}

// Report describes one reconciliation.
type Report struct {
    Action   Action
    ChangeID string
    Version  uint64
    // Inconsistency is set when a staged change was rolled back because no
    // peer could say what happened to it, or when peers diverged.
    Inconsistency error
}

// Recoverer brings a node back in line with its peers after a crash or a
// partition.
type Recoverer struct {
    opts RecovererOptions
}

func NewRecoverer(opts RecovererOptions) (*Recoverer, error) {
    if opts.Local == nil { return nil, errors.New("coordinator: nil local participant") }
    if opts.Client == nil { return nil, errors.New("coordinator: nil RPC client") }
    if opts.Grace <= 0 { opts.Grace = defaultGrace }
    if opts.CallTimeout <= 0 { opts.CallTimeout = defaultCallTimeout }
    return &Recoverer{opts: opts}, nil
}

// Reconcile resolves a staged change older than the grace period by asking
// the peers for its outcome: committed anywhere means commit, anything else
// means roll back. Without a staged change it adopts a newer runtime held by
// a peer that still lists this node, and reports peers that run different
// content at its own version.
func (r *Recoverer) Reconcile(ctx context.Context) (Report, error) {
    store := r.opts.Local.Store()
    if st, ok := store.StagedChange(); ok {
        if time.Since(st.StagedAt) < r.opts.Grace { return Report{Action: ActionNone, ChangeID: st.ChangeID}, nil }
        return r.resolve(ctx, st)
    }
    return r.catchUp(ctx)
}

func (r *Recoverer) resolve(ctx context.Context, st topology.Staged) (Report, error) {
    self := r.opts.Local
    if r.opts.Evidence != nil {
        if v, ok := r.opts.Evidence.Committed(st.ChangeID); ok {
            logutil.Debugf(r.opts.Logger, "journal lists %s as committed at version %d", st.ChangeID, v)
            return r.commit(ctx, st)
        }
    }
    runtime, _ := self.Store().Runtime()
    peers := peersOf(self.UID(), runtime, st.Cluster)
    outcomes := make([]string, len(peers))
    g, gctx := errgroup.WithContext(ctx)
    for i, ref := range peers {
        i, ref := i, ref
        g.Go(func() error {
            cctx, cancel := context.WithTimeout(gctx, r.opts.CallTimeout)
            defer cancel()
            resp, err := r.opts.Client.Outcome(cctx, ref.Addr, transport.OutcomeRequest{ChangeID: st.ChangeID})
            if err != nil {
                logutil.Debugf(r.opts.Logger, "outcome of %s from %s unavailable: %v", st.ChangeID, ref, err)
                return nil
            }
            outcomes[i] = resp.Outcome
            return nil
        })
    }
    _ = g.Wait()
    answered, committed := 0, false
    for _, o := range outcomes {
        if o == "" { continue }
        answered++
        if o == string(topology.OutcomeCommitted) { committed = true }
    }
    rep := Report{ChangeID: st.ChangeID}
    if committed { return r.commit(ctx, st) }
    resp, _ := self.Decide(ctx, transport.DecisionRequest{ChangeID: st.ChangeID})
    if err := transport.Err(resp.Error); err != nil {
        obsmetrics.Recoveries.WithLabelValues("failed").Inc()
        return rep, err
    }
    rep.Action, rep.Version = ActionRolledBack, resp.Version
    obsmetrics.Recoveries.WithLabelValues(string(ActionRolledBack)).Inc()
    if answered == 0 {
        rep.Inconsistency = cfgerr.Recovery(self.Name(), "staged change %s (%s) rolled back: no peer knows its outcome", st.ChangeID, st.Summary)
        logutil.Warnf(r.opts.Logger, "%v", rep.Inconsistency)
        return rep, nil
    }
    logutil.Infof(r.opts.Logger, "recovered staged change %s: not committed by any of %d peers, rolled back", st.ChangeID, answered)
    return rep, nil
}

func (r *Recoverer) commit(ctx context.Context, st topology.Staged) (Report, error) {
    rep := Report{ChangeID: st.ChangeID}
    resp, _ := r.opts.Local.Decide(ctx, transport.DecisionRequest{ChangeID: st.ChangeID, Commit: true})
    if err := transport.Err(resp.Error); err != nil {
        obsmetrics.Recoveries.WithLabelValues("failed").Inc()
        return rep, err
    }
    rep.Action, rep.Version = ActionCommitted, resp.Version
    obsmetrics.Recoveries.WithLabelValues(string(ActionCommitted)).Inc()
    logutil.Infof(r.opts.Logger, "recovered staged change %s: committed elsewhere, committed locally at version %d", st.ChangeID, resp.Version)
    return rep, nil
}

func (r *Recoverer) catchUp(ctx context.Context) (Report, error) {
    self := r.opts.Local
    runtime, version := self.Store().Runtime()
    peers := peersOf(self.UID(), runtime)
    views := make([]*transport.TopologyResponse, len(peers))
    g, gctx := errgroup.WithContext(ctx)
    for i, ref := range peers {
        i, ref := i, ref
        g.Go(func() error {
            cctx, cancel := context.WithTimeout(gctx, r.opts.CallTimeout)
            defer cancel()
            if v, err := r.opts.Client.Topology(cctx, ref.Addr); err == nil { views[i] = &v }
            return nil
        })
    }
    _ = g.Wait()
    digest := runtime.Digest()
    var best *transport.TopologyResponse
    var diverged []string
    for _, v := range views {
        if v == nil || v.Runtime == nil || !v.Runtime.ContainsNode(self.UID()) { continue }
        if v.Version == version && v.Digest != "" && v.Digest != digest { diverged = append(diverged, v.Node) }
        if v.Version <= version { continue }
        if best == nil || v.Version > best.Version { best = v }
    }
    if best == nil && len(diverged) > 0 {
        obsmetrics.Recoveries.WithLabelValues(string(ActionDiverged)).Inc()
        rep := Report{Action: ActionDiverged, Version: version,
            Inconsistency: cfgerr.Recovery(self.Name(), "version %d diverged from %v: same version, different configuration", version, diverged)}
        logutil.Warnf(r.opts.Logger, "%v", rep.Inconsistency)
        return rep, nil
    }
    if best == nil { return Report{Action: ActionNone, Version: version}, nil }
    resp, _ := self.Install(ctx, transport.InstallRequest{Cluster: best.Runtime, Version: best.Version, Activated: best.Activated})
    if err := transport.Err(resp.Error); err != nil {
        obsmetrics.Recoveries.WithLabelValues("failed").Inc()
        return Report{Action: ActionNone, Version: version}, err
    }
    obsmetrics.Recoveries.WithLabelValues(string(ActionCaughtUp)).Inc()
    logutil.Infof(r.opts.Logger, "caught up from version %d to %d using %s", version, best.Version, best.Node)
    return Report{Action: ActionCaughtUp, Version: best.Version}, nil
}

// peersOf lists the members of every given cluster except self, once each.
func peersOf(self string, clusters ...*model.Cluster) []model.NodeRef {
    seen := map[string]bool{self: true}
    var out []model.NodeRef
    for _, c := range clusters {
        if c == nil { continue }
        for _, ref := range c.Nodes() {
            if seen[ref.UID] { continue }
            seen[ref.UID] = true
            out = append(out, ref)
        }
    }
    return out
}
