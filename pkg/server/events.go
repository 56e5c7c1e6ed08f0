package server

import (
    "context"
    "sync"
    "time"

    "github.com/akashicloud/terracotta-platform/pkg/membership"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

type EventType string

const (
    EventChangeCommitted   EventType = "change_committed"
    EventTopologyInstalled EventType = "topology_installed"
    EventNodeAdded         EventType = "node_added"
    EventNodeRemoved       EventType = "node_removed"
    EventRecovered         EventType = "recovered"
    EventLeaderChanged     EventType = "leader_changed"
    EventMemberJoin        EventType = "member_join"
    EventMemberLeave       EventType = "member_leave"
)

// Event reports a change in the node's view of the cluster. Only the fields
// relevant to Type are set.
type Event struct {
    Type     EventType
    At       time.Time
    ChangeID string
    Version  uint64
    StripeID int
    Node     *model.Node
    Member   *membership.Member
    Leader   string
    Details  map[string]string
}

// Subscribe returns a buffered event channel closed when ctx is done. Slow
// consumers miss events.
func (s *Server) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    s.eb.add(ch)
    go func() {
        <-ctx.Done()
        s.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    delete(e.subs, ch)
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
