package cli

import (
    "context"
    "fmt"
    "strings"

    "github.com/spf13/cobra"

    "github.com/akashicloud/terracotta-platform/pkg/bootstrap"
    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    tracing "github.com/akashicloud/terracotta-platform/pkg/observability/tracing"
)

// NewRunCmd returns the "run" command that starts a node. Flags override
// the values read from --config-file.
func NewRunCmd() *cobra.Command {
    var (
        configFile, seeds string
        traceEnable       bool
        flagCfg           bootstrap.Config
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := bootstrap.Config{}
            if configFile != "" {
                var err error
                if cfg, err = bootstrap.LoadFile(configFile); err != nil { return err }
            }
            mergeFlags(cmd, &cfg, flagCfg)
            if cmd.Flags().Changed("seeds") {
                cfg.Discovery.Kind = "static"
                cfg.Discovery.Seeds = splitCSV(seeds)
            }

            ctx, cancel := signalContext()
            defer cancel()
            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(nil, "tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            s, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer s.Close()
            fmt.Fprintln(cmd.OutOrStdout(), "node running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&configFile, "config-file", "", "YAML node configuration")
    f.StringVar(&flagCfg.Name, "node-name", "", "node name")
    f.StringVar(&flagCfg.Hostname, "hostname", "", "hostname peers use to reach this node")
    f.IntVar(&flagCfg.Port, "port", bootstrap.DefaultPort, "management port")
    f.IntVar(&flagCfg.GroupPort, "group-port", bootstrap.DefaultGroupPort, "replication group port")
    f.IntVar(&flagCfg.GossipPort, "gossip-port", bootstrap.DefaultGossipPort, "gossip port, -1 disables gossip")
    f.StringVar(&flagCfg.BindAddress, "bind-address", "", "address the listeners bind to")
    f.StringVar(&flagCfg.RepositoryDir, "repository-dir", "", "directory holding the topology store and replication log")
    f.StringVar(&flagCfg.LogDir, "log-dir", "", "directory for rotating log files")
    f.StringVar(&flagCfg.SecurityDir, "node-security-dir", "", "directory holding the node's PEM files")
    f.StringVar(&flagCfg.ClusterName, "cluster-name", "", "cluster name for a new node")
    f.StringVar(&flagCfg.ClusterFile, "cluster-file", "", "YAML topology to start from")
    f.StringVar(&flagCfg.MgmtProto, "node-mgmt-proto", "", "management RPC protocol served by the node: http|grpc")
    f.StringVar(&seeds, "seeds", "", "comma-separated gossip seeds (host:port)")
    f.BoolVar(&flagCfg.DisableReplication, "no-replication", false, "run without a replication group")
    f.BoolVar(&flagCfg.LogJSON, "log-json", false, "JSON log output")
    f.StringVar(&flagCfg.LogLevel, "log-level", "", "debug|info|warn|error")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// mergeFlags copies the flags set on the command line over cfg.
func mergeFlags(cmd *cobra.Command, cfg *bootstrap.Config, f bootstrap.Config) {
    set := cmd.Flags().Changed
    if set("node-name") { cfg.Name = f.Name }
    if set("hostname") { cfg.Hostname = f.Hostname }
    if set("port") || cfg.Port == 0 { cfg.Port = f.Port }
    if set("group-port") || cfg.GroupPort == 0 { cfg.GroupPort = f.GroupPort }
    if set("gossip-port") || cfg.GossipPort == 0 { cfg.GossipPort = f.GossipPort }
    if set("bind-address") { cfg.BindAddress = f.BindAddress }
    if set("repository-dir") { cfg.RepositoryDir = f.RepositoryDir }
    if set("log-dir") { cfg.LogDir = f.LogDir }
    if set("node-security-dir") { cfg.SecurityDir = f.SecurityDir }
    if set("cluster-name") { cfg.ClusterName = f.ClusterName }
    if set("cluster-file") { cfg.ClusterFile = f.ClusterFile }
    if set("node-mgmt-proto") { cfg.MgmtProto = f.MgmtProto }
    if set("no-replication") { cfg.DisableReplication = f.DisableReplication }
    if set("log-json") { cfg.LogJSON = f.LogJSON }
    if set("log-level") { cfg.LogLevel = f.LogLevel }
}

func splitCSV(s string) []string {
    var out []string
    for _, p := range strings.Split(s, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}
