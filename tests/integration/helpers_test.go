//go:build integration

package integration

import (
    "context"
    "errors"
    "net"
    "strconv"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/akashicloud/terracotta-platform/pkg/bootstrap"
    "github.com/akashicloud/terracotta-platform/pkg/server"
)

var errNotYet = errors.New("not yet")

func freePort(t *testing.T) int {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer ln.Close()
    return ln.Addr().(*net.TCPAddr).Port
}

// nodeConfig returns a loopback node with free ports and its own repository.
func nodeConfig(t *testing.T, name string) bootstrap.Config {
    t.Helper()
    return bootstrap.Config{
        Name: name, Hostname: "127.0.0.1", BindAddress: "127.0.0.1",
        Port: freePort(t), GroupPort: freePort(t), GossipPort: freePort(t),
        RepositoryDir: t.TempDir(), Logger: zap.NewNop().Sugar(),
        CallTimeout: time.Second, RequestTimeout: 5 * time.Second,
        RecoveryGrace: 6 * time.Second, RecoveryInterval: 500 * time.Millisecond,
    }
}

func gossipAddr(cfg bootstrap.Config) string {
    return net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.GossipPort))
}

func mgmtAddr(cfg bootstrap.Config) string {
    return net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
}

func startNode(t *testing.T, ctx context.Context, cfg bootstrap.Config) *server.Server {
    t.Helper()
    s, err := bootstrap.Run(ctx, cfg)
    if err != nil { t.Fatalf("%s: %v", cfg.Name, err) }
    t.Cleanup(func() { _ = s.Close() })
    return s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if last = cond(); last == nil { return }
        time.Sleep(200 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", timeout, last)
}
