package coordinator

import (
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/change"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

const rolesMessage = "Please ensure all online nodes are either ACTIVE or PASSIVE before sending any update."

func TestSubmit_CommitsOnEveryNode(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Consistency(2)), true)
    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    assert.Equal(t, StateDone, res.State)
    assert.Equal(t, uint64(2), res.Version)
    assert.ElementsMatch(t, []string{"node-1", "node-2", "node-3"}, res.Prepared)
    for _, uid := range []string{"n1", "n2", "n3"} {
        n := h.node(uid)
        assert.Equal(t, uint64(2), n.version(), uid)
        assert.Equal(t, "1GB", n.runtime().Offheap["main"].String(), uid)
        _, staged := n.store.StagedChange()
        assert.False(t, staged, uid)
        assert.Equal(t, topology.OutcomeCommitted, n.store.Outcome(res.ChangeID), uid)
    }
}

func TestSubmit_ValidationTouchesNothing(t *testing.T) {
    h := newHarness(t).start(stripeOf(2, model.Availability()), false)
    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "stripe.2.node.1.node-log-dir=/logs"))
    require.Error(t, err)
    assert.Equal(t, StateRejected, res.State)
    assert.Equal(t, cfgerr.KindValidation, cfgerr.KindOf(err))
    assert.Contains(t, err.Error(), "Specified stripe id: 2, but cluster contains: 1 stripe(s) only")
    for _, n := range h.nodes {
        assert.Equal(t, uint64(1), n.version())
        _, staged := n.store.StagedChange()
        assert.False(t, staged)
    }
}

func TestSubmit_NoOpIsSkipped(t *testing.T) {
    h := newHarness(t).start(stripeOf(2, model.Availability()), false)
    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=512MB"))
    require.NoError(t, err)
    assert.True(t, res.Skipped)
    assert.Equal(t, StateDone, res.State)
    assert.Equal(t, uint64(1), h.node("n2").version())
}

// An isolated active cannot reach a majority and is blocked; nothing is
// staged anywhere. The quorate side keeps accepting changes and the
// isolated node catches up once the partition heals.
func TestSubmit_PartitionedActiveIsRejected(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Consistency(2)), true)
    h.net.Partition(h.addrs("n1"), h.addrs("n2", "n3"))

    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.Error(t, err)
    assert.Equal(t, StateRejected, res.State)
    assert.True(t, errors.Is(err, cfgerr.ErrRolesNotSettled))
    assert.Contains(t, err.Error(), rolesMessage)
    assert.Equal(t, cfgerr.KindConsistency, cfgerr.KindOf(err))
    for _, n := range h.nodes {
        assert.Equal(t, uint64(1), n.version())
        _, staged := n.store.StagedChange()
        assert.False(t, staged)
    }

    _, err = h.node("n2").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=2GB"))
    require.NoError(t, err)
    assert.Equal(t, uint64(1), h.node("n1").version())

    h.net.Heal()
    rep, err := h.node("n1").rec.Reconcile(h.ctx)
    require.NoError(t, err)
    assert.Equal(t, ActionCaughtUp, rep.Action)
    for _, n := range h.nodes {
        assert.Equal(t, uint64(2), n.version())
        assert.Equal(t, 3, n.runtime().NodeCount())
        assert.True(t, n.store.Activated())
    }
}

func TestSubmit_DetachWithQuorum(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Consistency(2)), true)
    h.net.Partition(h.addrs("n1", "n2"), h.addrs("n3"))

    base := h.node("n1").runtime()
    res, err := h.node("n1").coord.Submit(h.ctx, change.NewNodeRemoval(base, "n3"))
    require.NoError(t, err)
    assert.Equal(t, StateDone, res.State)
    for _, uid := range []string{"n1", "n2"} {
        n := h.node(uid)
        assert.Equal(t, 2, n.runtime().NodeCount(), uid)
        assert.True(t, n.store.Activated(), uid)
        _, detached, _, removed := n.act.Snapshot()
        assert.Equal(t, []string{"host3:9410"}, detached, uid)
        assert.Equal(t, []string{"host3:9410"}, removed, uid)
    }
    assert.Equal(t, 3, h.node("n3").runtime().NodeCount(), "the detached node never staged anything")

    h.net.Heal()
    rep, err := h.node("n3").rec.Reconcile(h.ctx)
    require.NoError(t, err)
    assert.Equal(t, ActionNone, rep.Action, "a node missing from the newer topology does not adopt it")
}

func TestSubmit_ConsistencyWithoutMajority(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Consistency(1)), false)
    h.net.SetDown(h.node("n2").node.Addr(), true)
    h.net.SetDown(h.node("n3").node.Addr(), true)
    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.Error(t, err)
    assert.Equal(t, StateRejected, res.State)
    assert.Contains(t, err.Error(), rolesMessage)
    assert.Contains(t, err.Error(), "stripe 1: 1 of 3 nodes prepared")
    assert.Equal(t, uint64(1), h.node("n1").version())
}

func TestSubmit_AvailabilityNeedsOnlyTheCoordinator(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Availability()), false)
    h.net.Partition(h.addrs("n1"), h.addrs("n2", "n3"))
    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    assert.Equal(t, []string{"node-1"}, res.Prepared)
    assert.Equal(t, uint64(2), h.node("n1").version())
    assert.Equal(t, uint64(1), h.node("n2").version())

    h.net.Heal()
    rep, err := h.node("n2").rec.Reconcile(h.ctx)
    require.NoError(t, err)
    assert.Equal(t, ActionCaughtUp, rep.Action)
    assert.Equal(t, "1GB", h.node("n2").runtime().Offheap["main"].String())
}

func TestSubmit_PeerAheadIsVersionConflict(t *testing.T) {
    h := newHarness(t).start(stripeOf(2, model.Availability()), false)
    n2 := h.node("n2")
    require.NoError(t, n2.store.Install(n2.runtime(), 5, false, false))

    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.Error(t, err)
    assert.Equal(t, StateRejected, res.State)
    assert.True(t, errors.Is(err, cfgerr.ErrVersionConflict))
    assert.True(t, cfgerr.KindOf(err) == cfgerr.KindProtocol)
    _, staged := h.node("n1").store.StagedChange()
    assert.False(t, staged)
}

func TestSubmit_LaggingPeerIsBroughtForward(t *testing.T) {
    h := newHarness(t).start(stripeOf(2, model.Availability()), false)
    n1 := h.node("n1")
    require.NoError(t, n1.store.Install(n1.runtime(), 4, false, false))

    res, err := n1.coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    assert.Equal(t, uint64(5), res.Version)
    assert.Equal(t, uint64(5), h.node("n2").version())
}

func TestSubmit_ChangeInProgress(t *testing.T) {
    h := newHarness(t).start(stripeOf(2, model.Availability()), false)
    resp, err := h.node("n2").part.Prepare(h.ctx, prepareReq(t, "other", setChange(t, "offheap-resources.main=2GB"), 1))
    require.NoError(t, err)
    require.True(t, resp.Accepted)

    _, err = h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.Error(t, err)
    assert.True(t, errors.Is(err, cfgerr.ErrChangeInProgress))
    _, staged := h.node("n1").store.StagedChange()
    assert.False(t, staged)

    // and on the coordinator itself
    _, err = h.node("n2").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.Error(t, err)
    assert.True(t, errors.Is(err, cfgerr.ErrChangeInProgress))
}

// A peer whose own runtime disagrees rejects the change; the nodes that
// prepared roll back.
func TestSubmit_PeerRejectionRollsBack(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Availability()), true)
    n2 := h.node("n2")
    bigger := n2.runtime()
    bigger.Offheap["main"] = model.MustMemory("2GB")
    require.NoError(t, n2.store.Install(bigger, 1, true, true))

    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.Error(t, err)
    assert.Equal(t, StateRolledBack, res.State)
    assert.Contains(t, err.Error(), "offheap-resources.main should be larger than the old size")
    assert.Contains(t, err.Error(), "node-2")
    for _, uid := range []string{"n1", "n3"} {
        n := h.node(uid)
        assert.Equal(t, uint64(1), n.version(), uid)
        _, staged := n.store.StagedChange()
        assert.False(t, staged, uid)
        assert.Equal(t, topology.OutcomeRolledBack, n.store.Outcome(res.ChangeID), uid)
    }
    require.Error(t, res.Failures)
}

func TestSubmit_LatePrepareIsDecided(t *testing.T) {
    h := newHarness(t)
    slow := &slowPrepare{addr: testNodeSpec(3).Addr(), delay: 2 * testCallTimeout, landed: make(chan struct{})}
    h.wrap = func(from model.Node, c transport.RPCClient) transport.RPCClient {
        if from.UID != "n1" { return c }
        slow.RPCClient = c
        return slow
    }
    h.start(stripeOf(3, model.Availability()), false)

    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    assert.ElementsMatch(t, []string{"node-1", "node-2"}, res.Prepared)
    require.Error(t, res.Failures)
    h.node("n1").coord.Wait()

    select {
    case <-slow.landed:
    case <-time.After(5 * time.Second):
        t.Fatalf("late prepare never landed")
    }
    _, err = h.node("n3").rec.Reconcile(h.ctx)
    require.NoError(t, err)
    assert.Equal(t, uint64(2), h.node("n3").version())
    _, staged := h.node("n3").store.StagedChange()
    assert.False(t, staged)
}

// The rollback reaches n3 before its prepare does. The late prepare must
// not stage the abandoned change, or n3 would hold it until recovery.
func TestSubmit_LatePrepareAfterRollbackIsRefused(t *testing.T) {
    h := newHarness(t)
    slow := &slowPrepare{addr: testNodeSpec(3).Addr(), delay: 2 * testCallTimeout, landed: make(chan struct{})}
    h.wrap = func(from model.Node, c transport.RPCClient) transport.RPCClient {
        if from.UID != "n1" { return c }
        slow.RPCClient = c
        return slow
    }
    h.start(stripeOf(3, model.Consistency(2)), false)
    h.net.SetDown(testNodeSpec(2).Addr(), true)

    res, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.Error(t, err)
    assert.Equal(t, StateRolledBack, res.State)
    h.node("n1").coord.Wait()
    select {
    case <-slow.landed:
    case <-time.After(5 * time.Second):
        t.Fatalf("late prepare never landed")
    }

    n3 := h.node("n3")
    _, staged := n3.store.StagedChange()
    assert.False(t, staged)
    assert.Equal(t, topology.OutcomeRolledBack, n3.store.Outcome(res.ChangeID))

    h.net.SetDown(testNodeSpec(2).Addr(), false)
    res, err = h.node("n2").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=2GB"))
    require.NoError(t, err)
    assert.Equal(t, StateDone, res.State)
    for _, n := range h.nodes {
        assert.Equal(t, uint64(2), n.version())
        assert.Equal(t, "2GB", n.runtime().Offheap["main"].String())
    }
}

// Both sides of a partition commit version 2 under availability. After the
// heal nobody adopts the other side, recovery reports the divergence and the
// next change is refused instead of stacking version 3 on different bases.
func TestSubmit_DivergedPeersAreRefused(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Availability()), false)
    h.net.Partition(h.addrs("n1"), h.addrs("n2", "n3"))
    _, err := h.node("n1").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    _, err = h.node("n2").coord.Submit(h.ctx, setChange(t, "offheap-resources.main=2GB"))
    require.NoError(t, err)
    h.net.Heal()

    rep, err := h.node("n1").rec.Reconcile(h.ctx)
    require.NoError(t, err)
    assert.Equal(t, ActionDiverged, rep.Action)
    require.Error(t, rep.Inconsistency)
    assert.Equal(t, cfgerr.KindRecovery, cfgerr.KindOf(rep.Inconsistency))
    assert.Contains(t, rep.Inconsistency.Error(), "node-2")

    res, err := h.node("n2").coord.Submit(h.ctx, setChange(t, "client-reconnect-window=10s"))
    require.Error(t, err)
    assert.Equal(t, StateRejected, res.State)
    assert.ErrorIs(t, err, cfgerr.ErrVersionConflict)
    for _, n := range h.nodes {
        assert.Equal(t, uint64(2), n.version())
        _, staged := n.store.StagedChange()
        assert.False(t, staged)
    }
    assert.Equal(t, "1GB", h.node("n1").runtime().Offheap["main"].String())
    assert.Equal(t, "2GB", h.node("n3").runtime().Offheap["main"].String())
}

func TestSubmit_NodeAdditionSeedsTheNewNode(t *testing.T) {
    h := newHarness(t).start(stripeOf(2, model.Availability()), true)
    joiner := testNodeSpec(3)
    fresh := h.join(joiner, model.NewCluster("", joiner), false)

    add := &change.NodeAddition{StripeUID: h.node("n1").runtime().Stripes[0].UID, Node: joiner}
    res, err := h.node("n1").coord.Submit(h.ctx, add)
    require.NoError(t, err)
    assert.Empty(t, res.Anomalies)
    assert.Equal(t, uint64(2), fresh.version())
    assert.Equal(t, 3, fresh.runtime().NodeCount())
    assert.True(t, fresh.store.Activated())
    attached, _, added, _ := h.node("n1").act.Snapshot()
    assert.Equal(t, []string{"host3:9410"}, attached)
    assert.Equal(t, []string{"host3:9410"}, added)

    again, err := h.node("n2").coord.Submit(h.ctx, add)
    require.NoError(t, err)
    assert.True(t, again.Skipped)
}

func TestSubmit_NodeAdditionNeedsTheNode(t *testing.T) {
    h := newHarness(t).start(stripeOf(2, model.Availability()), false)
    add := &change.NodeAddition{StripeUID: h.node("n1").runtime().Stripes[0].UID, Node: testNodeSpec(3)}
    res, err := h.node("n1").coord.Submit(h.ctx, add)
    require.Error(t, err)
    assert.Equal(t, StateRejected, res.State)
    assert.True(t, errors.Is(err, cfgerr.ErrUnreachable))
}

func TestSubmit_ActivationNeedsEveryNode(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Availability()), false)
    h.net.SetDown(h.node("n3").node.Addr(), true)
    activate := &change.ClusterActivation{Name: "prod"}
    _, err := h.node("n1").coord.Submit(h.ctx, activate)
    require.Error(t, err)
    assert.True(t, errors.Is(err, cfgerr.ErrUnreachable))
    assert.Contains(t, err.Error(), "node-3")

    h.net.SetDown(h.node("n3").node.Addr(), false)
    res, err := h.node("n1").coord.Submit(h.ctx, activate)
    require.NoError(t, err)
    assert.Equal(t, StateDone, res.State)
    for _, n := range h.nodes {
        assert.True(t, n.store.Activated())
        assert.Equal(t, "prod", n.runtime().Name)
    }
    _, err = h.node("n2").coord.Submit(h.ctx, activate)
    require.Error(t, err)
    assert.True(t, errors.Is(err, cfgerr.ErrAlreadyActivated))
}

func TestSubmit_ActuatorFailureIsAnAnomaly(t *testing.T) {
    h := newHarness(t).start(stripeOf(3, model.Availability()), true)
    h.node("n1").act.Fail = errors.New("management call refused")
    res, err := h.node("n1").coord.Submit(h.ctx, change.NewNodeRemoval(h.node("n1").runtime(), "n3"))
    require.NoError(t, err)
    require.Len(t, res.Anomalies, 1)
    assert.Equal(t, cfgerr.KindActuator, cfgerr.KindOf(res.Anomalies[0]))
    assert.Contains(t, res.Anomalies[0].Error(), "management call refused")
    assert.Equal(t, 2, h.node("n1").runtime().NodeCount(), "the commit stands")
    _, _, _, removed := h.node("n1").act.Snapshot()
    assert.Equal(t, []string{"host3:9410"}, removed)
}

func TestHandleSubmit_OverTheWire(t *testing.T) {
    h := newHarness(t).start(stripeOf(2, model.Availability()), false)
    payload, err := change.Encode(setChange(t, "offheap-resources.main=1GB"))
    require.NoError(t, err)
    operator := h.net.Client("")
    resp, err := operator.Submit(h.ctx, h.node("n2").node.Addr(), transport.SubmitRequest{Change: payload})
    require.NoError(t, err)
    assert.Equal(t, string(StateDone), resp.State)
    assert.Equal(t, uint64(2), resp.Version)
    assert.Nil(t, resp.Error)

    payload, err = change.Encode(setChange(t, "stripe.1.node.9.node-log-dir=/x"))
    require.NoError(t, err)
    resp, err = operator.Submit(h.ctx, h.node("n2").node.Addr(), transport.SubmitRequest{Change: payload})
    require.NoError(t, err)
    assert.Equal(t, string(StateRejected), resp.State)
    require.NotNil(t, resp.Error)
    assert.Contains(t, resp.Error.Reason, "Specified node id: 9, but stripe 1 contains: 2 node(s) only")

    resp, err = operator.Submit(h.ctx, h.node("n2").node.Addr(), transport.SubmitRequest{Change: []byte(`{"type":"nope"}`)})
    require.NoError(t, err)
    require.NotNil(t, resp.Error)
    assert.Equal(t, cfgerr.KindValidation, resp.Error.Kind)
}
