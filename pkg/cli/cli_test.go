package cli

import (
    "bytes"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/server"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
    "github.com/akashicloud/terracotta-platform/pkg/transport/memtransport"
)

func nodeSpec(i int) model.Node {
    return model.Node{UID: fmt.Sprintf("n%d", i), Name: fmt.Sprintf("node-%d", i), Hostname: fmt.Sprintf("host%d", i), Port: 9410, GroupPort: 9430}
}

type fixture struct {
    net     *memtransport.Network
    servers map[string]*server.Server
}

// start runs one in-memory node per node of every given cluster.
func start(t *testing.T, clusters ...*model.Cluster) *fixture {
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    f := &fixture{net: memtransport.NewNetwork(), servers: map[string]*server.Server{}}
    for _, c := range clusters {
        for _, ref := range c.Nodes() {
            store, err := topology.New(c, topology.Options{})
            require.NoError(t, err)
            s, err := server.New(server.Options{
                UID: ref.UID, Store: store, RPCServer: f.net.Server(ref.Addr), RPCClient: f.net.Client(ref.Addr),
                Logger: logutil.Nop(), CallTimeout: 300 * time.Millisecond, RequestTimeout: 5 * time.Second,
                RecoveryGrace: time.Hour, RecoveryInterval: time.Hour,
            })
            require.NoError(t, err)
            require.NoError(t, s.Start(ctx))
            t.Cleanup(func() { _ = s.Close() })
            f.servers[ref.UID] = s
        }
    }
    return f
}

// run executes the tool against the fixture and returns stdout and the
// "Error: " line, if any.
func (f *fixture) run(args ...string) (string, string) {
    root := NewRootCommand("config-tool", &Env{Client: f.net.Client("operator")})
    var out, errOut bytes.Buffer
    root.SetOut(&out)
    root.SetArgs(args)
    Execute(root, &errOut)
    return out.String(), strings.TrimSpace(errOut.String())
}

func twoNodes() *model.Cluster {
    c := model.NewCluster("tc", nodeSpec(1))
    c.Stripes[0].Nodes = append(c.Stripes[0].Nodes, nodeSpec(2))
    c.Offheap = map[string]model.Memory{"main": model.MustMemory("512MB")}
    return c
}

func TestSetThenGet(t *testing.T) {
    f := start(t, twoNodes())

    out, errLine := f.run("set", "-s", "host1:9410", "-c", "offheap-resources.main=1GB", "-c", "stripe.1.node.2.tc-properties=a:b")
    require.Empty(t, errLine)
    assert.Contains(t, out, "Command successful")

    out, errLine = f.run("get", "-s", "host2:9410", "-c", "offheap-resources.main", "-c", "tc-properties")
    require.Empty(t, errLine)
    assert.Contains(t, out, "offheap-resources.main=1GB\n")
    assert.Contains(t, out, "stripe.1.node.1.tc-properties=\n")
    assert.Contains(t, out, "stripe.1.node.2.tc-properties=a:b\n")

    out, errLine = f.run("unset", "-s", "host2:9410", "-c", "stripe.1.node.2.tc-properties")
    require.Empty(t, errLine)
    assert.Contains(t, out, "Command successful")
    out, _ = f.run("get", "-s", "host1:9410", "-c", "stripe.1.node.2.tc-properties", "--runtime")
    assert.Equal(t, "stripe.1.node.2.tc-properties=\n", out)
}

func TestInvalidInputIsReported(t *testing.T) {
    f := start(t, twoNodes())
    _, errLine := f.run("set", "-s", "host1:9410", "-c", "stripe.1.node.3.node-log-dir=/x")
    assert.Equal(t, "Error: Invalid input: 'stripe.1.node.3.node-log-dir=/x'. Reason: Specified node id: 3, but stripe 1 contains: 2 node(s) only", errLine)

    _, errLine = f.run("get", "-s", "host1:9410")
    assert.Contains(t, errLine, "missing required flags")
}

func TestAttachDetach(t *testing.T) {
    lone := model.NewCluster("", nodeSpec(3))
    f := start(t, twoNodes(), lone)

    out, errLine := f.run("attach", "-d", "host1:9410", "-s", "host3:9410")
    require.Empty(t, errLine)
    assert.Contains(t, out, "Command successful")
    for _, uid := range []string{"n1", "n2", "n3"} {
        rt, _ := f.servers[uid].Participant().Store().Runtime()
        assert.Equal(t, 3, rt.NodeCount(), uid)
    }

    out, errLine = f.run("detach", "-d", "host2:9410", "-s", "host3:9410")
    require.Empty(t, errLine)
    assert.Contains(t, out, "Command successful")
    rt, _ := f.servers["n1"].Participant().Store().Runtime()
    assert.Equal(t, 2, rt.NodeCount())

    _, errLine = f.run("detach", "-d", "host2:9410", "-s", "host9:9410")
    assert.Contains(t, errLine, "is not part of cluster")
}

func TestActivateAndDiagnostic(t *testing.T) {
    f := start(t, twoNodes())
    lic := filepath.Join(t.TempDir(), "license.yaml")
    require.NoError(t, os.WriteFile(lic, []byte("offheap-limit: 4GB\n"), 0o644))

    out, errLine := f.run("activate", "-s", "host1:9410", "-n", "prod", "-l", lic)
    require.Empty(t, errLine)
    assert.Contains(t, out, "Command successful")
    assert.True(t, f.servers["n2"].Participant().Store().Activated())

    _, errLine = f.run("activate", "-s", "host2:9410", "-n", "again")
    assert.Contains(t, errLine, "Error: ")

    f.net.SetDown("host2:9410", true)
    out, errLine = f.run("diagnostic", "-s", "host1:9410")
    require.Empty(t, errLine)
    assert.Contains(t, out, "Node: node-1")
    assert.Contains(t, out, "Activated: true")
    assert.Contains(t, out, "Cluster: prod")
    rt, v := f.servers["n1"].Participant().Store().Runtime()
    assert.Contains(t, out, fmt.Sprintf("Runtime: version=%d digest=%s", v, rt.Digest()))
    assert.Contains(t, out, "node-2@host2:9410: UNREACHABLE")
}
