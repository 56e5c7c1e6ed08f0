package memtransport

import (
    "context"
    "errors"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

func start(t *testing.T, n *Network, addr string, prepared *atomic.Int32) {
    t.Helper()
    h := transport.Handlers{
        Topology: func(context.Context) (transport.TopologyResponse, error) {
            return transport.TopologyResponse{Node: addr, Version: 3, Role: model.RolePassive}, nil
        },
        Prepare: func(_ context.Context, req transport.PrepareRequest) (transport.PrepareResponse, error) {
            prepared.Add(1)
            if req.BaseVersion != 3 {
                return transport.PrepareResponse{Node: addr, Error: cfgerr.Protocol(addr, cfgerr.ErrVersionConflict)}, nil
            }
            return transport.PrepareResponse{Node: addr, Accepted: true}, nil
        },
    }
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    require.NoError(t, n.Server(addr).Start(ctx, h))
}

func TestCallAndWireError(t *testing.T) {
    n := NewNetwork()
    var prepared atomic.Int32
    start(t, n, "a:1", &prepared)
    c := n.Client("b:1")

    top, err := c.Topology(context.Background(), "a:1")
    require.NoError(t, err)
    assert.Equal(t, uint64(3), top.Version)
    assert.Equal(t, model.RolePassive, top.Role)

    resp, err := c.Prepare(context.Background(), "a:1", transport.PrepareRequest{ChangeID: "x", BaseVersion: 2})
    require.NoError(t, err)
    assert.False(t, resp.Accepted)
    assert.ErrorIs(t, transport.Err(resp.Error), cfgerr.ErrVersionConflict, "sentinel survives the JSON round trip")

    _, err = c.Decide(context.Background(), "a:1", transport.DecisionRequest{ChangeID: "x"})
    assert.Error(t, err, "no decide handler")
}

func TestPartitionAndDown(t *testing.T) {
    n := NewNetwork()
    var prepared atomic.Int32
    start(t, n, "a:1", &prepared)
    start(t, n, "b:1", &prepared)
    n.Partition([]string{"a:1"}, []string{"b:1"})

    _, err := n.Client("b:1").Topology(context.Background(), "a:1")
    assert.True(t, errors.Is(err, cfgerr.ErrUnreachable), "got %v", err)
    _, err = n.Client("").Topology(context.Background(), "a:1")
    assert.NoError(t, err, "operators are outside partitions")

    n.Heal()
    _, err = n.Client("b:1").Topology(context.Background(), "a:1")
    assert.NoError(t, err)

    n.SetDown("a:1", true)
    _, err = n.Client("").Topology(context.Background(), "a:1")
    assert.ErrorIs(t, err, cfgerr.ErrUnreachable)
    _, err = n.Client("x:1").Topology(context.Background(), "nowhere:1")
    assert.ErrorIs(t, err, cfgerr.ErrUnreachable)
}

func TestLateResponseStillLands(t *testing.T) {
    n := NewNetwork()
    var prepared atomic.Int32
    start(t, n, "slow:1", &prepared)
    n.SetDelay("slow:1", 150*time.Millisecond)

    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
    defer cancel()
    _, err := n.Client("c:1").Prepare(ctx, "slow:1", transport.PrepareRequest{ChangeID: "x", BaseVersion: 3})
    assert.ErrorIs(t, err, context.DeadlineExceeded)

    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) && prepared.Load() == 0 { time.Sleep(10 * time.Millisecond) }
    assert.Equal(t, int32(1), prepared.Load())
}

func TestDuplicateRegistration(t *testing.T) {
    n := NewNetwork()
    var prepared atomic.Int32
    start(t, n, "a:1", &prepared)
    assert.Error(t, n.Server("a:1").Start(context.Background(), transport.Handlers{}))
}
