package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/connectivity"

    obsmetrics "github.com/akashicloud/terracotta-platform/pkg/observability/metrics"
)

// ConnManager caches one client connection per peer address. Idle entries
// are closed by a janitor; entries whose connection shut down are redialed
// on the next Get.
type ConnManager struct {
    mu        sync.Mutex
    conns     map[string]*managedConn
    ttl       time.Duration
    dialer    func(ctx context.Context, target string) (*grpc.ClientConn, error)
    closing   chan struct{}
    closeOnce sync.Once
}

type managedConn struct {
    cc       *grpc.ClientConn
    lastUsed time.Time
    ref      int
}

// NewConnManager creates a manager with the given idle TTL and dialer.
func NewConnManager(ttl time.Duration, dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dialer: dialer, conns: make(map[string]*managedConn), closing: make(chan struct{})}
    go m.janitor()
    return m
}

// Get returns a connection for target and a release func to be called when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    m.mu.Lock()
    if mc, ok := m.conns[target]; ok {
        if mc.cc.GetState() != connectivity.Shutdown {
            mc.ref++
            mc.lastUsed = time.Now()
            m.mu.Unlock()
            obsmetrics.GRPCConnReuse.Inc()
            return mc.cc, func() { m.release(target) }, nil
        }
        m.dropLocked(target)
    }
    m.mu.Unlock()

    cc, err := m.dialer(ctx, target)
    if err != nil { return nil, func() {}, err }

    m.mu.Lock()
    defer m.mu.Unlock()
    if existing, ok := m.conns[target]; ok {
        // another caller dialed first
        _ = cc.Close()
        existing.ref++
        existing.lastUsed = time.Now()
        return existing.cc, func() { m.release(target) }, nil
    }
    m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return cc, func() { m.release(target) }, nil
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
    m.mu.Lock(); defer m.mu.Unlock()
    return len(m.conns)
}

func (m *ConnManager) release(target string) {
    m.mu.Lock(); defer m.mu.Unlock()
    if mc, ok := m.conns[target]; ok {
        if mc.ref > 0 { mc.ref-- }
        mc.lastUsed = time.Now()
    }
}

func (m *ConnManager) dropLocked(target string) {
    mc, ok := m.conns[target]
    if !ok { return }
    _ = mc.cc.Close()
    delete(m.conns, target)
    obsmetrics.GRPCConnActive.Dec()
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
    m.closeOnce.Do(func() { close(m.closing) })
    m.mu.Lock(); defer m.mu.Unlock()
    for k := range m.conns { m.dropLocked(k) }
}

func (m *ConnManager) janitor() {
    ticker := time.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.closing:
            return
        case <-ticker.C:
            cutoff := time.Now().Add(-m.ttl)
            m.mu.Lock()
            for addr, mc := range m.conns {
                if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
                    m.dropLocked(addr)
                    obsmetrics.GRPCConnEvictions.Inc()
                }
            }
            m.mu.Unlock()
        }
    }
}
