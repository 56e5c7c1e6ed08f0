// Package membership is the gossip view of the cluster. It tells a node
// which peers are alive right now; the topology itself is never taken from
// it.
package membership

import (
    "context"
    "time"
)

// Metadata keys gossiped by every node.
const (
    MetaUID  = "uid"
    MetaMgmt = "mgmt"
)

// Member is a node as seen by the gossip layer.
type Member struct {
    // Name is the gossip name, the node's management address.
    Name string
    // Addr is the gossip endpoint.
    Addr string
    Meta map[string]string
}

// UID is the node uid the member advertises, if any.
func (m Member) UID() string { return m.Meta[MetaUID] }

// MgmtAddr is where the member serves management calls, falling back to its
// name.
func (m Member) MgmtAddr() string {
    if a := m.Meta[MetaMgmt]; a != "" { return a }
    return m.Name
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

type Event struct {
    Type   EventType
    Member Member
    At     time.Time
}

// Membership joins a node to the gossip pool and reports peers coming and
// going.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() Member
    Members() []Member
    Events() <-chan Event
    Leave() error
    Stop() error
}
