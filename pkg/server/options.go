package server

import (
    "errors"
    "fmt"
    "time"

    "go.uber.org/zap"

    "github.com/akashicloud/terracotta-platform/pkg/actuator"
    "github.com/akashicloud/terracotta-platform/pkg/discovery"
    "github.com/akashicloud/terracotta-platform/pkg/membership"
    "github.com/akashicloud/terracotta-platform/pkg/replication"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

// Options carry the components of one node. bootstrap.Build fills them
// from a node configuration; tests inject in-memory ones.
type Options struct {
    // UID is this node's uid in the topology.
    UID   string
    Store *topology.Store

    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // Replication is optional. Without it the node reports ACTIVE once the
    // cluster is activated and attach/detach have no physical effect.
    Replication *replication.Group
    // ServerOf maps nodes onto replication servers, replication.DefaultServerOf
    // when nil.
    ServerOf replication.ServerOf

    // Membership and Discovery are optional; gossip only speeds up
    // recovery after a partition heals.
    Membership membership.Membership
    Discovery  discovery.Discovery

    // Listener receives node added/removed notifications in addition to the
    // server's own event bus.
    Listener actuator.Listener
    Logger   *zap.SugaredLogger

    CallTimeout time.Duration
    // RequestTimeout bounds one change, 15s by default.
    RequestTimeout time.Duration
    // RecoveryGrace is how old a staged change must be before recovery
    // resolves it. It must exceed RequestTimeout so a node never resolves a
    // change its coordinator is still deciding; RequestTimeout+5s by default.
    RecoveryGrace time.Duration
    // RecoveryInterval paces the background recovery loop, 5s by default.
    RecoveryInterval time.Duration
}

const (
    defaultRequestTimeout = 15 * time.Second
    graceMargin           = 5 * time.Second
)

func (o Options) requestTimeout() time.Duration {
    if o.RequestTimeout > 0 { return o.RequestTimeout }
    return defaultRequestTimeout
}

func (o Options) Validate() error {
    if o.UID == "" { return errors.New("server: empty UID") }
    if o.Store == nil { return errors.New("server: nil Store") }
    if o.RPCServer == nil { return errors.New("server: nil RPCServer") }
    if o.RPCClient == nil { return errors.New("server: nil RPCClient") }
    if o.RecoveryGrace > 0 && o.RecoveryGrace <= o.requestTimeout() {
        return fmt.Errorf("server: recovery grace %s must exceed the request timeout %s", o.RecoveryGrace, o.requestTimeout())
    }
    return nil
}
