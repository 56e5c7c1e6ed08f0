// Package actuator is the seam between a committed topology change and its
// physical side effects on the replication layer.
package actuator

import (
    "context"
    "sync"

    "github.com/akashicloud/terracotta-platform/pkg/model"
)

// Actuator performs the physical attach or detach of a node after the
// topology change is committed locally. A failure here does not undo the
// commit.
type Actuator interface {
    Attach(ctx context.Context, hostname string, port, groupPort int) error
    Detach(ctx context.Context, ref model.NodeRef) error
}

// Listener is notified once per committed membership change, after the
// actuator ran.
type Listener interface {
    OnNodeAdded(stripeID int, node model.Node)
    OnNodeRemoved(stripeID int, node model.Node)
}

// Nop does nothing. It is the actuator of a node without replication.
type Nop struct{}

func (Nop) Attach(context.Context, string, int, int) error { return nil }
func (Nop) Detach(context.Context, model.NodeRef) error    { return nil }

// Func adapts plain functions; a nil field acts as a no-op.
type Func struct {
    AttachFn func(ctx context.Context, hostname string, port, groupPort int) error
    DetachFn func(ctx context.Context, ref model.NodeRef) error
}

func (f Func) Attach(ctx context.Context, hostname string, port, groupPort int) error {
    if f.AttachFn == nil { return nil }
    return f.AttachFn(ctx, hostname, port, groupPort)
}

func (f Func) Detach(ctx context.Context, ref model.NodeRef) error {
    if f.DetachFn == nil { return nil }
    return f.DetachFn(ctx, ref)
}

// ListenerFuncs adapts plain functions to Listener.
type ListenerFuncs struct {
    Added   func(stripeID int, node model.Node)
    Removed func(stripeID int, node model.Node)
}

func (l ListenerFuncs) OnNodeAdded(stripeID int, node model.Node) {
    if l.Added != nil { l.Added(stripeID, node) }
}

func (l ListenerFuncs) OnNodeRemoved(stripeID int, node model.Node) {
    if l.Removed != nil { l.Removed(stripeID, node) }
}

// Listeners fans notifications out to every registered listener in
// registration order.
type Listeners struct {
    mu sync.RWMutex
    ls []Listener
}

func (s *Listeners) Add(l Listener) {
    s.mu.Lock(); defer s.mu.Unlock()
    s.ls = append(s.ls, l)
}

func (s *Listeners) OnNodeAdded(stripeID int, node model.Node) {
    s.mu.RLock(); defer s.mu.RUnlock()
    for _, l := range s.ls { l.OnNodeAdded(stripeID, node) }
}

func (s *Listeners) OnNodeRemoved(stripeID int, node model.Node) {
    s.mu.RLock(); defer s.mu.RUnlock()
    for _, l := range s.ls { l.OnNodeRemoved(stripeID, node) }
}

// Recorder records every call. Tests use it as both actuator and listener.
type Recorder struct {
    mu       sync.Mutex
    Attached []string
    Detached []string
    Added    []string
    Removed  []string
    // Fail makes every actuator call return it.
    Fail error
}

func (r *Recorder) Attach(_ context.Context, hostname string, port, groupPort int) error {
    r.mu.Lock(); defer r.mu.Unlock()
    r.Attached = append(r.Attached, model.Node{Hostname: hostname, Port: port}.Addr())
    return r.Fail
}

func (r *Recorder) Detach(_ context.Context, ref model.NodeRef) error {
    r.mu.Lock(); defer r.mu.Unlock()
    r.Detached = append(r.Detached, ref.Addr)
    return r.Fail
}

func (r *Recorder) OnNodeAdded(_ int, n model.Node) {
    r.mu.Lock(); defer r.mu.Unlock()
    r.Added = append(r.Added, n.Addr())
}

func (r *Recorder) OnNodeRemoved(_ int, n model.Node) {
    r.mu.Lock(); defer r.mu.Unlock()
    r.Removed = append(r.Removed, n.Addr())
}

// Snapshot returns copies of the recorded calls.
func (r *Recorder) Snapshot() (attached, detached, added, removed []string) {
    r.mu.Lock(); defer r.mu.Unlock()
    cp := func(s []string) []string { return append([]string(nil), s...) }
    return cp(r.Attached), cp(r.Detached), cp(r.Added), cp(r.Removed)
}

var (
    _ Actuator = Nop{}
    _ Actuator = Func{}
    _ Actuator = (*Recorder)(nil)
    _ Listener = (*Listeners)(nil)
    _ Listener = ListenerFuncs{}
    _ Listener = (*Recorder)(nil)
)
