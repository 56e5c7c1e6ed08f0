// Package coordinator runs the two-phase change protocol. The node that
// receives an operator change coordinates it: it validates the change on its
// own runtime topology, asks every member to prepare it, evaluates the quorum
// gate of the cluster's failover priority and then commits or rolls back on
// every node that prepared. Participants serve the node side of the same
// calls; the Recoverer resolves changes left staged by a crash or partition.
package coordinator

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/hashicorp/go-multierror"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/change"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    obsmetrics "github.com/akashicloud/terracotta-platform/pkg/observability/metrics"
    "github.com/akashicloud/terracotta-platform/pkg/observability/tracing"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
    "github.com/akashicloud/terracotta-platform/pkg/validator"
)

// State is the protocol state of a change request.
type State string

const (
    StateReceived    State = "RECEIVED"
    StateValidating  State = "VALIDATING"
    StatePreparing   State = "PREPARING"
    StateCommitting  State = "COMMITTING"
    StateDone        State = "DONE"
    StateRejected    State = "REJECTED"
    StateRollingBack State = "ROLLING_BACK"
    StateRolledBack  State = "ROLLED_BACK"
)

const (
    defaultCallTimeout    = 2 * time.Second
    defaultRequestTimeout = 15 * time.Second
)

// Options configure a Coordinator.
type Options struct {
    // Local is this node's participant; the coordinator prepares and
    // commits on it directly.
    Local  *Participant
    Client transport.RPCClient
    // CallTimeout bounds each call to a peer.
    CallTimeout time.Duration
    // RequestTimeout bounds the whole change. Past it the change rolls back.
    RequestTimeout time.Duration
    Logger         *zap.SugaredLogger
}

// Result describes how a change request ended.
type Result struct {
    ChangeID string
    Type     change.Type
    Summary  string
    State    State
    // Version is the runtime version after the change.
    Version uint64
    // Skipped is set when the change left the topology as it was.
    Skipped bool
    // Prepared lists the names of the nodes that staged the change.
    Prepared []string
    // Unconfirmed lists prepared nodes whose commit was not acknowledged.
    // Recovery resolves them.
    Unconfirmed []string
    // Anomalies are side effects that failed after the commit.
    Anomalies []error
    // Failures aggregates every per-node failure seen while preparing.
    Failures error
}

// Coordinator drives changes submitted to this node.
type Coordinator struct {
    opts Options
    // bg tracks best-effort decisions still in flight to late peers.
    bg sync.WaitGroup
}

func New(opts Options) (*Coordinator, error) {
    if opts.Local == nil { return nil, errors.New("coordinator: nil local participant") }
    if opts.Client == nil { return nil, errors.New("coordinator: nil RPC client") }
    if opts.CallTimeout <= 0 { opts.CallTimeout = defaultCallTimeout }
    if opts.RequestTimeout <= 0 { opts.RequestTimeout = defaultRequestTimeout }
    return &Coordinator{opts: opts}, nil
}

// Wait blocks until best-effort decisions sent to late peers have finished.
func (c *Coordinator) Wait() { c.bg.Wait() }

// Submit coordinates ch across the cluster. The returned error is the first
// decisive rejection; the Result is always non-nil.
func (c *Coordinator) Submit(ctx context.Context, ch change.Change) (*Result, error) {
    start := time.Now()
    res := &Result{ChangeID: model.NewUID(), Type: ch.Type(), Summary: ch.Summary(), State: StateReceived}
    ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "coordinator.Submit")
    defer end()
    tracing.Annotate(ctx, "change.id", res.ChangeID, "change.type", string(res.Type))
    logutil.Infof(c.opts.Logger, "change received: id=%s %s", res.ChangeID, res.Summary)

    err := c.run(ctx, ch, res)

    obsmetrics.Changes.WithLabelValues(string(res.Type), string(res.State)).Inc()
    obsmetrics.ChangeDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
    tracing.Annotate(ctx, "change.state", string(res.State))
    if err != nil {
        logutil.Warnf(c.opts.Logger, "change %s: id=%s reason=%v", strings.ToLower(string(res.State)), res.ChangeID, err)
        return res, err
    }
    logutil.Infof(c.opts.Logger, "change done: id=%s version=%d skipped=%v anomalies=%d", res.ChangeID, res.Version, res.Skipped, len(res.Anomalies))
    return res, nil
}

// peer is what the coordinator learned about a member before preparing.
type peer struct {
    ref  model.NodeRef
    view *transport.TopologyResponse
    err  error
}

func (c *Coordinator) run(ctx context.Context, ch change.Change, res *Result) error {
    self := c.opts.Local
    store := self.Store()
    me := self.Name()

    // RECEIVED
    if st, ok := store.StagedChange(); ok {
        res.State = StateRejected
        return cfgerr.Protocol(me, fmt.Errorf("%w: %s", cfgerr.ErrChangeInProgress, st.Summary))
    }
    base, version := store.Runtime()
    activated := store.Activated()
    res.Version = version

    // VALIDATING
    res.State = StateValidating
    phase := time.Now()
    candidate, err := validate(ch, base, activated)
    obsmetrics.ChangeDuration.WithLabelValues("validate").Observe(time.Since(phase).Seconds())
    if err != nil {
        res.State = StateRejected
        return err
    }
    if candidate.Equal(base) && !change.Activates(ch) {
        res.State, res.Skipped = StateDone, true
        return nil
    }
    peers := c.probe(ctx, base, self.UID())
    if err := c.admit(ctx, ch, base, version, activated, peers); err != nil {
        res.State = StateRejected
        return err
    }

    // PREPARING
    res.State = StatePreparing
    phase = time.Now()
    payload, err := change.Encode(ch)
    if err != nil {
        res.State = StateRejected
        return cfgerr.Validation("Invalid change: %v", err)
    }
    req := transport.PrepareRequest{ChangeID: res.ChangeID, Change: payload, BaseVersion: version, BaseDigest: base.Digest(), Coordinator: me}
    local, _ := self.Prepare(ctx, req)
    if !local.Accepted {
        res.State = StateRejected
        if err := transport.Err(local.Error); err != nil { return err }
        return cfgerr.Protocol(me, errors.New("prepare refused"))
    }
    prepared := map[string]bool{self.UID(): true}
    var preparedRefs, late []model.NodeRef
    var decisive error
    var failures *multierror.Error
    votes := c.prepareAll(ctx, req, peers)
    for _, v := range votes {
        switch {
        case v.err != nil:
            late = append(late, v.ref)
            failures = multierror.Append(failures, cfgerr.Protocol(v.ref.Name, v.err))
            obsmetrics.PrepareFailures.WithLabelValues(string(cfgerr.KindProtocol)).Inc()
        case !v.resp.Accepted:
            e := cfgerr.Rehydrate(v.resp.Error)
            if e == nil { e = cfgerr.Protocol(v.ref.Name, errors.New("prepare refused")) }
            failures = multierror.Append(failures, e)
            obsmetrics.PrepareFailures.WithLabelValues(string(e.Kind)).Inc()
            if decisive == nil { decisive = e }
        default:
            prepared[v.ref.UID] = true
            preparedRefs = append(preparedRefs, v.ref)
        }
    }
    res.Failures = failures.ErrorOrNil()
    res.Prepared = append(res.Prepared, me)
    for _, r := range preparedRefs { res.Prepared = append(res.Prepared, r.Name) }
    obsmetrics.ChangeDuration.WithLabelValues("prepare").Observe(time.Since(phase).Seconds())

    if decisive == nil && ctx.Err() != nil {
        decisive = cfgerr.Protocol(me, fmt.Errorf("change timed out: %w", ctx.Err()))
    }
    if decisive == nil {
        if err := Gate(base, ch.Stripes(base), prepared, self.UID(), change.RequiresAllNodes(ch)); err != nil {
            decisive = cfgerr.WithNode(err, me)
        }
    }
    if decisive != nil {
        res.State = StateRollingBack
        c.decide(ctx, res, preparedRefs, late, false)
        res.State = StateRolledBack
        return decisive
    }

    // COMMITTING
    res.State = StateCommitting
    phase = time.Now()
    lresp, _ := self.Decide(ctx, transport.DecisionRequest{ChangeID: res.ChangeID, Commit: true})
    if err := transport.Err(lresp.Error); err != nil {
        // the local stage vanished; peers keep theirs until recovery
        res.State = StateRolledBack
        c.decide(ctx, res, preparedRefs, late, false)
        return err
    }
    res.Version = lresp.Version
    if a := transport.Err(lresp.Anomaly); a != nil { res.Anomalies = append(res.Anomalies, a) }
    c.decide(ctx, res, preparedRefs, late, true)
    if add, ok := ch.(*change.NodeAddition); ok && !base.ContainsNode(add.Node.UID) {
        if err := c.seed(ctx, add.Node, lresp.Version); err != nil { res.Anomalies = append(res.Anomalies, err) }
    }
    obsmetrics.ChangeDuration.WithLabelValues("commit").Observe(time.Since(phase).Seconds())
    res.State = StateDone
    return nil
}

func validate(ch change.Change, base *model.Cluster, activated bool) (*model.Cluster, error) {
    if err := change.CheckPrecondition(ch, activated); err != nil { return nil, err }
    candidate, err := ch.Apply(base)
    if err != nil { return nil, err }
    if err := validator.New(base, activated).Validate(candidate); err != nil { return nil, err }
    return candidate, nil
}

// probe reads the topology of every other member in parallel. Unreachable
// members come back with err set.
func (c *Coordinator) probe(ctx context.Context, base *model.Cluster, selfUID string) []peer {
    var peers []peer
    for _, ref := range base.Nodes() {
        if ref.UID != selfUID { peers = append(peers, peer{ref: ref}) }
    }
    g, gctx := errgroup.WithContext(ctx)
    for i := range peers {
        p := &peers[i]
        g.Go(func() error {
            cctx, cancel := context.WithTimeout(gctx, c.opts.CallTimeout)
            defer cancel()
            view, err := c.opts.Client.Topology(cctx, p.ref.Addr)
            if err != nil { p.err = err; return nil }
            p.view = &view
            return nil
        })
    }
    _ = g.Wait()
    return peers
}

// admit checks the members' views before anything is staged. Roles must be
// settled on an activated cluster. Nobody may be ahead of the coordinator,
// run different content at the same version or hold another change.
// Lagging members are brought up to the base, and the reachable members must
// be able to form the quorum the change needs.
func (c *Coordinator) admit(ctx context.Context, ch change.Change, base *model.Cluster, version uint64, activated bool, peers []peer) error {
    self := c.opts.Local
    me := self.Name()
    if activated {
        if r := self.Role(); !r.Settled() {
            return cfgerr.Consistency(me, fmt.Errorf("%w (%s is %s)", cfgerr.ErrRolesNotSettled, me, r))
        }
        for _, p := range peers {
            if p.view != nil && !p.view.Role.Settled() {
                return cfgerr.Consistency(me, fmt.Errorf("%w (%s is %s)", cfgerr.ErrRolesNotSettled, p.ref.Name, p.view.Role))
            }
        }
    }
    digest := base.Digest()
    reachable := map[string]bool{self.UID(): true}
    for i := range peers {
        p := &peers[i]
        if p.view == nil { continue }
        switch {
        case p.view.Version > version:
            return cfgerr.Protocol(p.ref.Name, fmt.Errorf("%w: %s runs version %d, coordinator %s runs %d",
                cfgerr.ErrVersionConflict, p.ref.Name, p.view.Version, me, version))
        case p.view.Version == version && p.view.Digest != "" && p.view.Digest != digest:
            return cfgerr.Protocol(p.ref.Name, fmt.Errorf("%w: %s and coordinator %s both run version %d with different content",
                cfgerr.ErrVersionConflict, p.ref.Name, me, version))
        case p.view.Staged != nil:
            return cfgerr.Protocol(p.ref.Name, fmt.Errorf("%w: %s", cfgerr.ErrChangeInProgress, p.view.Staged.Summary))
        case p.view.Version < version:
            if err := c.catchUp(ctx, p.ref, base, version, activated); err != nil {
                logutil.Warnf(c.opts.Logger, "catch-up of %s failed: %v", p.ref, err)
                p.view, p.err = nil, err
                continue
            }
        }
        reachable[p.ref.UID] = true
    }
    if change.RequiresAllNodes(ch) || base.FailoverPriority.Consistency {
        if err := Gate(base, ch.Stripes(base), reachable, self.UID(), change.RequiresAllNodes(ch)); err != nil {
            return cfgerr.WithNode(err, me)
        }
    }
    if add, ok := ch.(*change.NodeAddition); ok && !base.ContainsNode(add.Node.UID) {
        cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
        defer cancel()
        view, err := c.opts.Client.Topology(cctx, add.Node.Addr())
        if err != nil {
            return cfgerr.Protocol(add.Node.Addr(), fmt.Errorf("%w: %s: %v", cfgerr.ErrUnreachable, add.Node.Addr(), err))
        }
        if view.Activated {
            return cfgerr.Validation("Node: %s is already part of an activated cluster", add.Node.Addr())
        }
    }
    return nil
}

func (c *Coordinator) catchUp(ctx context.Context, ref model.NodeRef, base *model.Cluster, version uint64, activated bool) error {
    cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
    defer cancel()
    resp, err := c.opts.Client.Install(cctx, ref.Addr, transport.InstallRequest{Cluster: base, Version: version, Activated: activated})
    if err != nil { return err }
    if err := transport.Err(resp.Error); err != nil { return err }
    logutil.Infof(c.opts.Logger, "brought %s forward to version %d", ref, version)
    return nil
}

type vote struct {
    ref  model.NodeRef
    resp transport.PrepareResponse
    err  error
}

// prepareAll sends req to every reachable peer at once and waits for all of
// them, each bounded by the call timeout. Votes keep the member order.
func (c *Coordinator) prepareAll(ctx context.Context, req transport.PrepareRequest, peers []peer) []vote {
    var votes []vote
    for _, p := range peers {
        if p.view != nil { votes = append(votes, vote{ref: p.ref}) }
    }
    g, gctx := errgroup.WithContext(ctx)
    for i := range votes {
        v := &votes[i]
        g.Go(func() error {
            cctx, cancel := context.WithTimeout(gctx, c.opts.CallTimeout)
            defer cancel()
            v.resp, v.err = c.opts.Client.Prepare(cctx, v.ref.Addr, req)
            return nil
        })
    }
    _ = g.Wait()
    return votes
}

// decide sends the decision to every prepared peer and waits for them.
// Peers whose prepare timed out may still stage the change later; they get
// the decision in the background.
func (c *Coordinator) decide(ctx context.Context, res *Result, prepared, late []model.NodeRef, commit bool) {
    // the outer deadline may be spent already
    dctx := context.WithoutCancel(ctx)
    req := transport.DecisionRequest{ChangeID: res.ChangeID, Commit: commit}
    if !commit {
        if _, err := c.opts.Local.Decide(dctx, req); err != nil {
            logutil.Warnf(c.opts.Logger, "local rollback of %s failed: %v", res.ChangeID, err)
        }
    }
    var mu sync.Mutex
    var g errgroup.Group
    for _, ref := range prepared {
        ref := ref
        g.Go(func() error {
            cctx, cancel := context.WithTimeout(dctx, c.opts.CallTimeout)
            defer cancel()
            resp, err := c.opts.Client.Decide(cctx, ref.Addr, req)
            if err == nil { err = transport.Err(resp.Error) }
            mu.Lock()
            defer mu.Unlock()
            if err != nil {
                logutil.Warnf(c.opts.Logger, "decision not confirmed by %s: id=%s commit=%v err=%v", ref, res.ChangeID, commit, err)
                res.Unconfirmed = append(res.Unconfirmed, ref.Name)
                return nil
            }
            if a := transport.Err(resp.Anomaly); a != nil { res.Anomalies = append(res.Anomalies, a) }
            return nil
        })
    }
    _ = g.Wait()
    sort.Strings(res.Unconfirmed)
    if len(late) == 0 { return }
    c.bg.Add(1)
    go func() {
        defer c.bg.Done()
        for _, ref := range late {
            cctx, cancel := context.WithTimeout(dctx, c.opts.CallTimeout)
            _, err := c.opts.Client.Decide(cctx, ref.Addr, req)
            cancel()
            if err != nil { logutil.Debugf(c.opts.Logger, "late decision to %s not delivered: %v", ref, err) }
        }
    }()
}

// seed installs the committed topology on a node that was just attached so
// it starts from the cluster's runtime instead of its own.
func (c *Coordinator) seed(ctx context.Context, n model.Node, version uint64) error {
    store := c.opts.Local.Store()
    rt, _ := store.Runtime()
    cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
    defer cancel()
    resp, err := c.opts.Client.Install(cctx, n.Addr(), transport.InstallRequest{Cluster: rt, Version: version, Activated: store.Activated(), Force: true})
    if err == nil { err = transport.Err(resp.Error) }
    if err != nil {
        obsmetrics.ActuatorFailures.WithLabelValues("install").Inc()
        return cfgerr.Actuator(n.Addr(), fmt.Errorf("install topology on attached node: %w", err))
    }
    return nil
}

// HandleSubmit serves operator submissions received over the management RPC.
func (c *Coordinator) HandleSubmit(ctx context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    ch, err := change.Decode(req.Change)
    if err != nil {
        return transport.SubmitResponse{State: string(StateRejected), Error: cfgerr.Validation("Invalid change: %v", err)}, nil
    }
    res, err := c.Submit(ctx, ch)
    resp := transport.SubmitResponse{ChangeID: res.ChangeID, State: string(res.State), Version: res.Version, Skipped: res.Skipped}
    for _, a := range res.Anomalies { resp.Anomalies = append(resp.Anomalies, a.Error()) }
    if err != nil { resp.Error = transport.WireError(err) }
    return resp, nil
}

// Handlers returns the participant handlers plus Submit.
func (c *Coordinator) Handlers() transport.Handlers {
    h := c.opts.Local.Handlers()
    h.Submit = c.HandleSubmit
    return h
}
