// Package cli provides the cobra commands of the configuration tool. They
// can be attached to any root command so services embedding a node can
// expose the same operator surface.
package cli

import (
    "context"
    "crypto/tls"
    "fmt"
    "io"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/akashicloud/terracotta-platform/pkg/change"
    tlsx "github.com/akashicloud/terracotta-platform/pkg/security/tlsconfig"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
    mgmtgrpc "github.com/akashicloud/terracotta-platform/pkg/transport/grpc"
    httpjson "github.com/akashicloud/terracotta-platform/pkg/transport/httpjson"
)

// Env is shared by the operator commands. When Client is nil it is built
// from the connection flags on first use.
type Env struct {
    Client transport.RPCClient

    proto       string
    securityDir string
    timeout     time.Duration
}

// NewRootCommand returns a config-tool root with every subcommand.
func NewRootCommand(use string, env *Env) *cobra.Command {
    root := &cobra.Command{
        Use:           use,
        Short:         "dynamic topology configuration tool",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    AddAll(root, env)
    return root
}

// AddAll attaches run/get/set/unset/attach/detach/activate/diagnostic to
// root, plus the connection flags they share.
func AddAll(root *cobra.Command, env *Env) {
    if env == nil { env = &Env{} }
    pf := root.PersistentFlags()
    pf.StringVar(&env.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    pf.DurationVar(&env.timeout, "timeout", 30*time.Second, "request timeout")
    pf.StringVar(&env.securityDir, "security-dir", "", "directory holding ca.pem, cert.pem and key.pem for mTLS")

    root.AddCommand(NewRunCmd())
    root.AddCommand(NewGetCmd(env))
    root.AddCommand(NewSetCmd(env, false))
    root.AddCommand(NewSetCmd(env, true))
    root.AddCommand(NewAttachCmd(env))
    root.AddCommand(NewDetachCmd(env))
    root.AddCommand(NewActivateCmd(env))
    root.AddCommand(NewDiagnosticCmd(env))
}

// Execute runs root and prints a failure as "Error: <reason>". It returns
// the process exit code.
func Execute(root *cobra.Command, stderr io.Writer) int {
    if err := root.Execute(); err != nil {
        fmt.Fprintf(stderr, "Error: %v\n", err)
        return 1
    }
    return 0
}

func (e *Env) client() (transport.RPCClient, error) {
    if e.Client != nil { return e.Client, nil }
    timeout := e.timeout
    if timeout <= 0 { timeout = 30 * time.Second }
    var cliTLS *tls.Config
    topts, err := tlsx.FromSecurityDir(e.securityDir)
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    if topts.Enable {
        if cliTLS, err = topts.Client(); err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch e.proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        e.Client = cli
    case "http", "":
        cli := httpjson.NewClient(timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        e.Client = cli
    default:
        return nil, fmt.Errorf("unknown mgmt-proto %q", e.proto)
    }
    return e.Client, nil
}

func (e *Env) context() (context.Context, context.CancelFunc) {
    timeout := e.timeout
    if timeout <= 0 { timeout = 30 * time.Second }
    return context.WithTimeout(context.Background(), timeout)
}

// submit sends ch to the node at addr, which coordinates it.
func (e *Env) submit(out io.Writer, addr string, ch change.Change) error {
    cli, err := e.client()
    if err != nil { return err }
    payload, err := change.Encode(ch)
    if err != nil { return err }
    ctx, cancel := e.context()
    defer cancel()
    resp, err := cli.Submit(ctx, addr, transport.SubmitRequest{Change: payload})
    if err != nil { return fmt.Errorf("%s: %w", addr, err) }
    for _, a := range resp.Anomalies { fmt.Fprintf(out, "Warning: %s\n", a) }
    if err := transport.Err(resp.Error); err != nil { return err }
    fmt.Fprintln(out, "Command successful")
    return nil
}

func (e *Env) topology(addr string) (transport.TopologyResponse, error) {
    cli, err := e.client()
    if err != nil { return transport.TopologyResponse{}, err }
    ctx, cancel := e.context()
    defer cancel()
    v, err := cli.Topology(ctx, addr)
    if err != nil { return v, fmt.Errorf("%s: %w", addr, err) }
    return v, nil
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        select {
        case <-ch:
            cancel()
        case <-ctx.Done():
        }
    }()
    return ctx, cancel
}
