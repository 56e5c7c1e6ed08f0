// Package bootstrap turns a node configuration into a running server.
// Applications embed a node by filling Config (or loading it from YAML)
// and calling Build or Run.
package bootstrap

import (
    "bytes"
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "time"

    "go.uber.org/zap"
    "gopkg.in/yaml.v3"

    "github.com/akashicloud/terracotta-platform/pkg/actuator"
    "github.com/akashicloud/terracotta-platform/pkg/discovery"
    dDNS "github.com/akashicloud/terracotta-platform/pkg/discovery/dns"
    dFile "github.com/akashicloud/terracotta-platform/pkg/discovery/file"
    dStatic "github.com/akashicloud/terracotta-platform/pkg/discovery/static"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/membership"
    ml "github.com/akashicloud/terracotta-platform/pkg/membership/memberlist"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/replication"
    tlsx "github.com/akashicloud/terracotta-platform/pkg/security/tlsconfig"
    "github.com/akashicloud/terracotta-platform/pkg/server"
    "github.com/akashicloud/terracotta-platform/pkg/topology"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
    mgmtgrpc "github.com/akashicloud/terracotta-platform/pkg/transport/grpc"
    "github.com/akashicloud/terracotta-platform/pkg/transport/httpjson"
)

// Defaults for a node started without explicit ports.
const (
    DefaultPort       = 9410
    DefaultGroupPort  = 9430
    DefaultGossipPort = 9440
)

// Discovery selects where gossip seeds come from.
type Discovery struct {
    // Kind is static (default), file or dns.
    Kind     string        `yaml:"kind,omitempty"`
    Seeds    []string      `yaml:"seeds,omitempty"`
    File     string        `yaml:"file,omitempty"`
    Env      string        `yaml:"env,omitempty"`
    DNSNames []string      `yaml:"dns-names,omitempty"`
    DNSPort  int           `yaml:"dns-port,omitempty"`
    Refresh  time.Duration `yaml:"refresh,omitempty"`
}

// Config describes one node. A node with an empty repository starts from
// ClusterFile when set, otherwise from a one-node cluster built from the
// node settings below.
type Config struct {
    Name        string `yaml:"node-name"`
    Hostname    string `yaml:"hostname"`
    Port        int    `yaml:"port,omitempty"`
    GroupPort   int    `yaml:"group-port,omitempty"`
    BindAddress string `yaml:"bind-address,omitempty"`
    // GossipPort enables gossip; -1 disables it.
    GossipPort      int    `yaml:"gossip-port,omitempty"`
    GossipAdvertise string `yaml:"gossip-advertise,omitempty"`

    ClusterName      string                  `yaml:"cluster-name,omitempty"`
    ClusterFile      string                  `yaml:"cluster-file,omitempty"`
    Offheap          map[string]model.Memory `yaml:"offheap-resources,omitempty"`
    FailoverPriority model.FailoverPriority  `yaml:"failover-priority,omitempty"`

    LogDir        string            `yaml:"log-dir,omitempty"`
    BackupDir     string            `yaml:"backup-dir,omitempty"`
    MetadataDir   string            `yaml:"metadata-dir,omitempty"`
    RepositoryDir string            `yaml:"repository-dir,omitempty"`
    SecurityDir   string            `yaml:"security-dir,omitempty"`
    DataDirs      map[string]string `yaml:"data-dirs,omitempty"`
    TcProperties  map[string]string `yaml:"tc-properties,omitempty"`

    // MgmtProto is http (default) or grpc.
    MgmtProto string    `yaml:"mgmt-proto,omitempty"`
    Discovery Discovery `yaml:"discovery,omitempty"`
    // DisableReplication runs the node without a raft group; roles then
    // follow activation only.
    DisableReplication bool `yaml:"disable-replication,omitempty"`

    CallTimeout      time.Duration `yaml:"call-timeout,omitempty"`
    RequestTimeout   time.Duration `yaml:"request-timeout,omitempty"`
    RecoveryGrace    time.Duration `yaml:"recovery-grace,omitempty"`
    RecoveryInterval time.Duration `yaml:"recovery-interval,omitempty"`

    LogJSON  bool   `yaml:"log-json,omitempty"`
    LogLevel string `yaml:"log-level,omitempty"`

    Logger   *zap.SugaredLogger `yaml:"-"`
    Listener actuator.Listener  `yaml:"-"`
}

// LoadFile reads a YAML node configuration. Unknown keys are errors.
func LoadFile(path string) (Config, error) {
    var cfg Config
    b, err := os.ReadFile(path)
    if err != nil { return cfg, err }
    dec := yaml.NewDecoder(bytes.NewReader(b))
    dec.KnownFields(true)
    if err := dec.Decode(&cfg); err != nil { return cfg, fmt.Errorf("config %s: %w", path, err) }
    return cfg, nil
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
    if c.Hostname == "" { c.Hostname = "localhost" }
    if c.Name == "" { c.Name = c.Hostname }
    if c.Port == 0 { c.Port = DefaultPort }
    if c.GroupPort == 0 { c.GroupPort = DefaultGroupPort }
    if c.GossipPort == 0 { c.GossipPort = DefaultGossipPort }
    if c.BindAddress == "" { c.BindAddress = "0.0.0.0" }
    if c.MgmtProto == "" { c.MgmtProto = "http" }
    if c.Discovery.Kind == "" { c.Discovery.Kind = "static" }
    return c
}

// Validate checks the fields Build relies on.
func (c Config) Validate() error {
    if c.Port <= 0 || c.Port > 65535 { return fmt.Errorf("bootstrap: invalid port %d", c.Port) }
    if c.GroupPort <= 0 || c.GroupPort > 65535 { return fmt.Errorf("bootstrap: invalid group-port %d", c.GroupPort) }
    if c.GroupPort == c.Port { return errors.New("bootstrap: port and group-port must differ") }
    switch c.MgmtProto {
    case "http", "grpc":
    default:
        return fmt.Errorf("bootstrap: unknown mgmt-proto %q", c.MgmtProto)
    }
    switch c.Discovery.Kind {
    case "static", "file", "dns":
    default:
        return fmt.Errorf("bootstrap: unknown discovery kind %q", c.Discovery.Kind)
    }
    return nil
}

// Node is the topology entry of this node.
func (c Config) Node() model.Node {
    return model.Node{
        Name: c.Name, Hostname: c.Hostname, Port: c.Port, GroupPort: c.GroupPort,
        LogDir: c.LogDir, BackupDir: c.BackupDir, MetadataDir: c.MetadataDir, RepositoryDir: c.RepositoryDir,
        SecurityDir: c.SecurityDir, DataDirs: c.DataDirs, TcProperties: c.TcProperties,
    }
}

func (c Config) mgmtAddr() string { return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port)) }

// Seed is the topology a node with an empty repository starts from.
func (c Config) Seed() (*model.Cluster, error) {
    if c.ClusterFile != "" { return LoadCluster(c.ClusterFile) }
    seed := model.NewCluster(c.ClusterName, c.Node())
    seed.FailoverPriority = c.FailoverPriority
    if len(c.Offheap) > 0 { seed.Offheap = c.Offheap }
    return seed, nil
}

// LoadCluster reads a YAML topology. Missing uids are derived from the node
// addresses so every node loading the file gets the same ones.
func LoadCluster(path string) (*model.Cluster, error) {
    b, err := os.ReadFile(path)
    if err != nil { return nil, err }
    var c model.Cluster
    if err := yaml.Unmarshal(b, &c); err != nil { return nil, fmt.Errorf("cluster %s: %w", path, err) }
    if len(c.Stripes) == 0 { return nil, fmt.Errorf("cluster %s: no stripe", path) }
    for i := range c.Stripes {
        s := &c.Stripes[i]
        key := "stripe/" + strconv.Itoa(i+1)
        for j := range s.Nodes {
            n := &s.Nodes[j]
            if n.UID == "" { n.UID = model.UIDFor("node/" + n.Addr()) }
            key += "/" + n.Addr()
        }
        if s.UID == "" { s.UID = model.UIDFor(key) }
    }
    if c.ClientReconnectWindow.Unit == "" { c.ClientReconnectWindow = model.DefaultClientReconnectWindow }
    if c.ClientLeaseDuration.Unit == "" { c.ClientLeaseDuration = model.DefaultClientLeaseDuration }
    return &c, nil
}

// selfUID finds this node in c by management address, then by name.
func selfUID(c *model.Cluster, name, addr string) (string, bool) {
    for _, ref := range c.Nodes() {
        if ref.Addr == addr { return ref.UID, true }
    }
    for _, ref := range c.Nodes() {
        if ref.Name == name { return ref.UID, true }
    }
    return "", false
}

func buildDiscovery(d Discovery, logger *zap.SugaredLogger) discovery.Discovery {
    switch d.Kind {
    case "file":
        return dFile.New(dFile.Options{Path: d.File, Env: d.Env, Refresh: d.Refresh})
    case "dns":
        return dDNS.New(dDNS.Options{Names: d.DNSNames, Port: d.DNSPort, Refresh: d.Refresh, Logger: logger})
    default:
        return dStatic.New(d.Seeds...)
    }
}

// Build assembles a server without starting it.
func Build(cfg Config) (*server.Server, error) {
    cfg = cfg.WithDefaults()
    if err := cfg.Validate(); err != nil { return nil, err }
    logger := cfg.Logger
    if logger == nil {
        logger = logutil.New(logutil.Options{JSON: cfg.LogJSON, Level: cfg.LogLevel, Dir: cfg.LogDir, Name: cfg.Name})
    }

    seed, err := cfg.Seed()
    if err != nil { return nil, err }
    var storeDir, raftDir string
    if cfg.RepositoryDir != "" {
        storeDir = filepath.Join(cfg.RepositoryDir, "config")
        raftDir = filepath.Join(cfg.RepositoryDir, "replication")
    }
    store, err := topology.New(seed, topology.Options{Dir: storeDir})
    if err != nil { return nil, err }
    runtime, _ := store.Runtime()
    uid, ok := selfUID(runtime, cfg.Name, cfg.mgmtAddr())
    if !ok {
        _ = store.Close()
        return nil, fmt.Errorf("bootstrap: node %s (%s) is not part of its topology", cfg.Name, cfg.mgmtAddr())
    }

    tlsOpts, err := tlsx.FromSecurityDir(cfg.SecurityDir)
    if err != nil { _ = store.Close(); return nil, err }
    srv, cli, err := buildTransport(cfg, tlsOpts, logger)
    if err != nil { _ = store.Close(); return nil, err }

    opts := server.Options{
        UID: uid, Store: store, RPCServer: srv, RPCClient: cli, Listener: cfg.Listener, Logger: logger,
        CallTimeout: cfg.CallTimeout, RequestTimeout: cfg.RequestTimeout,
        RecoveryGrace: cfg.RecoveryGrace, RecoveryInterval: cfg.RecoveryInterval,
    }
    if !cfg.DisableReplication {
        g, err := replication.New(replication.Options{
            NodeID: cfg.mgmtAddr(), BindAddr: net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.GroupPort)),
            Advertise: net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.GroupPort)),
            DataDir: raftDir, Logger: logutil.Named(logger, "replication"),
        })
        if err != nil { _ = store.Close(); return nil, err }
        opts.Replication = g
    }
    if cfg.GossipPort > 0 {
        var mem membership.Membership
        mem, err = ml.New(ml.Options{
            Name: cfg.mgmtAddr(), Bind: net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.GossipPort)), Advertise: cfg.GossipAdvertise,
            UID: uid, MgmtAddr: cfg.mgmtAddr(), Logger: logutil.Named(logger, "gossip"),
        })
        if err != nil { _ = store.Close(); return nil, err }
        opts.Membership = mem
        opts.Discovery = buildDiscovery(cfg.Discovery, logger)
    }
    s, err := server.New(opts)
    if err != nil { _ = store.Close(); return nil, err }
    return s, nil
}

func buildTransport(cfg Config, topts tlsx.Options, logger *zap.SugaredLogger) (transport.RPCServer, transport.RPCClient, error) {
    var srvTLS, cliTLS *tls.Config
    if topts.Enable {
        var err error
        if srvTLS, err = topts.ServerHotReload(); err != nil { return nil, nil, err }
        if cliTLS, err = topts.ClientHotReload(); err != nil { return nil, nil, err }
    }
    bind := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
    timeout := cfg.CallTimeout
    if timeout <= 0 { timeout = 3 * time.Second }
    switch cfg.MgmtProto {
    case "grpc":
        s := mgmtgrpc.NewServer(bind)
        c := mgmtgrpc.NewClient(timeout)
        if srvTLS != nil { s.UseTLS(srvTLS); c.UseTLS(cliTLS) }
        return s, c, nil
    default:
        s := httpjson.NewServer(bind, logutil.Named(logger, "mgmt"))
        c := httpjson.NewClient(timeout)
        if srvTLS != nil { s.UseTLS(srvTLS); c.UseTLS(cliTLS) }
        return s, c, nil
    }
}

// Run builds and starts the node. The caller stops it with Close.
func Run(ctx context.Context, cfg Config) (*server.Server, error) {
    s, err := Build(cfg)
    if err != nil { return nil, err }
    if err := s.Start(ctx); err != nil { return nil, err }
    return s, nil
}
