package coordinator

import (
    "context"
    "errors"
    "fmt"

    "github.com/hashicorp/go-multierror"
    "go.uber.org/zap"

    "github.com/akashicloud/terracotta-platform/pkg/actuator"
    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/change"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    obsmetrics "github.com/akashicloud/terracotta-platform/pkg/observability/metrics"
    "github.com/akashicloud/terracotta-platform/pkg/observability/tracing"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
    "github.com/akashicloud/terracotta-platform/pkg/validator"
)

// ParticipantOptions wires the node side of the protocol.
type ParticipantOptions struct {
    // UID identifies this node in every topology.
    UID   string
    Store *topology.Store
    // Actuator performs attach/detach after a local commit. Defaults to a no-op.
    Actuator actuator.Actuator
    // Listener is notified once per committed membership change.
    Listener actuator.Listener
    Roles    RoleSource
    Logger   *zap.SugaredLogger

    // OnCommit runs after a change is committed locally and its side
    // effects ran.
    OnCommit func(t topology.Transition)
    // OnInstall runs after a topology was installed outside of a change.
    OnInstall func(c *model.Cluster, version uint64, activated bool)
}

// Participant answers prepare, decide, outcome and install calls against
// the local topology store. Handlers never block on other nodes.
type Participant struct {
    opts ParticipantOptions
}

func NewParticipant(opts ParticipantOptions) (*Participant, error) {
    if opts.UID == "" { return nil, errors.New("coordinator: empty node UID") }
    if opts.Store == nil { return nil, errors.New("coordinator: nil topology store") }
    if opts.Actuator == nil { opts.Actuator = actuator.Nop{} }
    if opts.Roles == nil { opts.Roles = StaticRoles{} }
    p := &Participant{opts: opts}
    p.observe()
    return p, nil
}

func (p *Participant) UID() string { return p.opts.UID }

func (p *Participant) Store() *topology.Store { return p.opts.Store }

// Name is the node name in the runtime topology, or its UID when the node
// is not part of it.
func (p *Participant) Name() string {
    c, _ := p.opts.Store.Runtime()
    if n, _, ok := c.FindNode(p.opts.UID); ok && n.Name != "" { return n.Name }
    return p.opts.UID
}

// Role is the current replication role of this node.
func (p *Participant) Role() model.Role {
    c, _ := p.opts.Store.Runtime()
    return p.opts.Roles.Role(c, p.opts.Store.Activated())
}

// Handlers exposes the participant over a transport. Submit is left to the
// coordinator.
func (p *Participant) Handlers() transport.Handlers {
    return transport.Handlers{
        Topology: p.Topology,
        Prepare:  p.Prepare,
        Decide:   p.Decide,
        Outcome:  p.Outcome,
        Install:  p.Install,
    }
}

func (p *Participant) Topology(ctx context.Context) (transport.TopologyResponse, error) {
    s := p.opts.Store
    rt, v := s.Runtime()
    up, uv := s.Upcoming()
    activated := s.Activated()
    resp := transport.TopologyResponse{
        Node: p.Name(), UID: p.opts.UID,
        Runtime: rt, Version: v, Digest: rt.Digest(),
        Upcoming: up, UpcomingVersion: uv,
        Activated: activated,
        Role:      p.opts.Roles.Role(rt, activated),
    }
    if st, ok := s.StagedChange(); ok {
        resp.Staged = &transport.StagedInfo{ChangeID: st.ChangeID, Summary: st.Summary, BaseVersion: st.BaseVersion, StagedAt: st.StagedAt}
    }
    return resp, nil
}

// Prepare re-validates the change against this node's own runtime and
// stages the result. A rejection is returned in the response.
func (p *Participant) Prepare(ctx context.Context, req transport.PrepareRequest) (transport.PrepareResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "participant.Prepare")
    defer end()
    tracing.Annotate(ctx, "change.id", req.ChangeID, "coordinator", req.Coordinator)
    resp := transport.PrepareResponse{Node: p.Name()}
    reject := func(err error) (transport.PrepareResponse, error) {
        resp.Error = p.wire(err)
        logutil.Infof(p.opts.Logger, "prepare rejected: id=%s coordinator=%s reason=%s", req.ChangeID, req.Coordinator, resp.Error.Reason)
        return resp, nil
    }
    ch, err := change.Decode(req.Change)
    if err != nil { return reject(cfgerr.Validation("Invalid change: %v", err)) }
    s := p.opts.Store
    if st, ok := s.StagedChange(); ok && st.ChangeID == req.ChangeID {
        resp.Accepted, resp.Version = true, st.BaseVersion+1
        return resp, nil
    }
    base, v := s.Runtime()
    if v != req.BaseVersion {
        return reject(cfgerr.Protocol(p.Name(), fmt.Errorf("%w: expected version %d, runtime is %d", cfgerr.ErrVersionConflict, req.BaseVersion, v)))
    }
    if d := base.Digest(); req.BaseDigest != "" && d != req.BaseDigest {
        return reject(cfgerr.Protocol(p.Name(), fmt.Errorf("%w: version %d diverged (digest %s, coordinator has %s)", cfgerr.ErrVersionConflict, v, d, req.BaseDigest)))
    }
    activated := s.Activated()
    if err := change.CheckPrecondition(ch, activated); err != nil { return reject(err) }
    candidate, err := ch.Apply(base)
    if err != nil { return reject(err) }
    if err := validator.New(base, activated).Validate(candidate); err != nil { return reject(err) }
    st := topology.Staged{ChangeID: req.ChangeID, Summary: ch.Summary(), Cluster: candidate, Activate: change.Activates(ch)}
    if err := s.Stage(st, req.BaseVersion); err != nil { return reject(cfgerr.Protocol(p.Name(), err)) }
    p.observe()
    logutil.Debugf(p.opts.Logger, "prepared: id=%s base=%d summary=%q", req.ChangeID, req.BaseVersion, st.Summary)
    resp.Accepted, resp.Version = true, req.BaseVersion+1
    return resp, nil
}

// Decide commits or rolls back a staged change. Side effects of a commit
// run once; a replayed commit only reports the version.
func (p *Participant) Decide(ctx context.Context, req transport.DecisionRequest) (transport.DecisionResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "participant.Decide")
    defer end()
    resp := transport.DecisionResponse{Node: p.Name()}
    s := p.opts.Store
    if !req.Commit {
        if err := s.Rollback(req.ChangeID); err != nil {
            resp.Error = p.wire(cfgerr.Protocol(p.Name(), err))
            return resp, nil
        }
        _, resp.Version = s.Runtime()
        p.observe()
        logutil.Infof(p.opts.Logger, "rolled back: id=%s", req.ChangeID)
        return resp, nil
    }
    t, err := s.Commit(req.ChangeID)
    if err != nil {
        resp.Error = p.wire(cfgerr.Protocol(p.Name(), err))
        return resp, nil
    }
    resp.Version = t.Version
    if t.Replayed { return resp, nil }
    p.observe()
    logutil.Infof(p.opts.Logger, "committed: id=%s version=%d nodes=%d activated=%v", t.ChangeID, t.Version, t.To.NodeCount(), t.Activated)
    if err := p.afterCommit(ctx, t); err != nil { resp.Anomaly = p.wire(err) }
    return resp, nil
}

func (p *Participant) Outcome(ctx context.Context, req transport.OutcomeRequest) (transport.OutcomeResponse, error) {
    return transport.OutcomeResponse{Node: p.Name(), ChangeID: req.ChangeID, Outcome: string(p.opts.Store.Outcome(req.ChangeID))}, nil
}

func (p *Participant) Install(ctx context.Context, req transport.InstallRequest) (transport.InstallResponse, error) {
    resp := transport.InstallResponse{Node: p.Name()}
    if err := p.opts.Store.Install(req.Cluster, req.Version, req.Activated, req.Force); err != nil {
        resp.Error = p.wire(cfgerr.Protocol(p.Name(), err))
        return resp, nil
    }
    p.observe()
    logutil.Infof(p.opts.Logger, "installed topology: version=%d nodes=%d activated=%v", req.Version, req.Cluster.NodeCount(), req.Activated)
    if p.opts.OnInstall != nil { p.opts.OnInstall(req.Cluster.Clone(), req.Version, req.Activated) }
    return resp, nil
}

// afterCommit attaches and detaches the nodes of the local stripe that the
// transition added or removed, then notifies listeners. Failures are
// returned as one actuator error; the commit stands.
func (p *Participant) afterCommit(ctx context.Context, t topology.Transition) error {
    added, removed := membershipDiff(t.From, t.To)
    local, inTo := t.To.StripeIndex(stripeUIDOf(t.To, p.opts.UID))
    if !inTo { local, _ = t.From.StripeIndex(stripeUIDOf(t.From, p.opts.UID)) }
    var errs *multierror.Error
    for _, a := range added {
        if a.ref.StripeID-1 != local { continue }
        if err := p.opts.Actuator.Attach(ctx, a.node.Hostname, a.node.Port, a.node.GroupPort); err != nil {
            obsmetrics.ActuatorFailures.WithLabelValues("attach").Inc()
            errs = multierror.Append(errs, fmt.Errorf("attach %s: %w", a.ref, err))
        }
    }
    for _, r := range removed {
        if r.ref.StripeID-1 != local || r.ref.UID == p.opts.UID { continue }
        if err := p.opts.Actuator.Detach(ctx, r.ref); err != nil {
            obsmetrics.ActuatorFailures.WithLabelValues("detach").Inc()
            errs = multierror.Append(errs, fmt.Errorf("detach %s: %w", r.ref, err))
        }
    }
    if l := p.opts.Listener; l != nil {
        for _, a := range added { l.OnNodeAdded(a.ref.StripeID, a.node) }
        for _, r := range removed { l.OnNodeRemoved(r.ref.StripeID, r.node) }
    }
    if p.opts.OnCommit != nil { p.opts.OnCommit(t) }
    if err := errs.ErrorOrNil(); err != nil {
        logutil.Errorf(p.opts.Logger, "post-commit anomaly, manual reconciliation needed: id=%s err=%v", t.ChangeID, err)
        return cfgerr.Actuator(p.Name(), err)
    }
    return nil
}

// wire converts err for a response and stamps this node on it.
func (p *Participant) wire(err error) *cfgerr.Error {
    e := transport.WireError(err)
    if e != nil && e.Node == "" {
        c := *e
        c.Node = p.Name()
        e = &c
    }
    return e
}

func (p *Participant) observe() {
    s := p.opts.Store
    c, v := s.Runtime()
    _, staged := s.StagedChange()
    obsmetrics.RuntimeVersion.Set(float64(v))
    obsmetrics.Staged.Set(obsmetrics.Bool(staged))
    obsmetrics.Activated.Set(obsmetrics.Bool(s.Activated()))
    obsmetrics.ClusterNodes.Set(float64(c.NodeCount()))
}

type member struct {
    ref  model.NodeRef
    node model.Node
}

// membershipDiff lists the nodes present only in to (added) and only in
// from (removed), with their positions in the cluster they belong to.
func membershipDiff(from, to *model.Cluster) (added, removed []member) {
    for _, ref := range to.Nodes() {
        if from != nil && from.ContainsNode(ref.UID) { continue }
        n, _, _ := to.FindNode(ref.UID)
        added = append(added, member{ref: ref, node: n.Clone()})
    }
    if from == nil { return added, nil }
    for _, ref := range from.Nodes() {
        if to.ContainsNode(ref.UID) { continue }
        n, _, _ := from.FindNode(ref.UID)
        removed = append(removed, member{ref: ref, node: n.Clone()})
    }
    return added, removed
}

func stripeUIDOf(c *model.Cluster, nodeUID string) string {
    if c == nil { return "" }
    if _, ref, ok := c.FindNode(nodeUID); ok { return c.Stripes[ref.StripeID-1].UID }
    return ""
}
