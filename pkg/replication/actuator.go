package replication

import (
    "context"
    "fmt"
    "net"
    "strconv"

    "github.com/akashicloud/terracotta-platform/pkg/actuator"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

// ServerOf maps a node onto its raft server id and address.
type ServerOf func(hostname string, port, groupPort int) Server

// DefaultServerOf identifies a node by its management address and reaches
// it on its group port.
func DefaultServerOf(hostname string, port, groupPort int) Server {
    return Server{ID: net.JoinHostPort(hostname, strconv.Itoa(port)), Addr: net.JoinHostPort(hostname, strconv.Itoa(groupPort))}
}

// Actuator reconfigures the group's voters when nodes are attached to or
// detached from the local stripe. Only the leader reconfigures; followers
// accept the call as long as a leader exists to do it.
type Actuator struct {
    g        *Group
    serverOf ServerOf
}

func NewActuator(g *Group, serverOf ServerOf) *Actuator {
    if serverOf == nil { serverOf = DefaultServerOf }
    return &Actuator{g: g, serverOf: serverOf}
}

func (a *Actuator) Attach(ctx context.Context, hostname string, port, groupPort int) error {
    srv := a.serverOf(hostname, port, groupPort)
    if ok, err := a.leading(); !ok { return err }
    logutil.Infof(a.g.opts.Logger, "adding voter %s (%s)", srv.ID, srv.Addr)
    return a.g.AddVoter(srv.ID, srv.Addr)
}

func (a *Actuator) Detach(ctx context.Context, ref model.NodeRef) error {
    if ok, err := a.leading(); !ok { return err }
    logutil.Infof(a.g.opts.Logger, "removing voter %s", ref.Addr)
    return a.g.RemoveServer(ref.Addr)
}

// leading reports whether this node must reconfigure the group. A follower
// returns false with a nil error while a leader is known, and so does a
// node whose group was never formed.
func (a *Actuator) leading() (bool, error) {
    if !a.g.Formed() { return false, nil }
    if a.g.IsLeader() { return true, nil }
    if _, _, ok := a.g.Leader(); ok { return false, nil }
    return false, fmt.Errorf("replication: no stripe leader to reconfigure the group")
}

var _ actuator.Actuator = (*Actuator)(nil)
