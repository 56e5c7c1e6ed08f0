package cli

import (
    "fmt"
    "io"
    "sort"
    "strings"

    "github.com/spf13/cobra"

    "github.com/akashicloud/terracotta-platform/pkg/change"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/setting"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

// NewGetCmd returns "get": print settings of the cluster a node belongs to
// as key=value lines.
func NewGetCmd(env *Env) *cobra.Command {
    var (
        addr    string
        configs []string
        runtime bool
    )
    cmd := &cobra.Command{
        Use:   "get",
        Short: "Read configuration settings",
        RunE: func(cmd *cobra.Command, args []string) error {
            if addr == "" || len(configs) == 0 { return fmt.Errorf("missing required flags: -s and -c") }
            parsed, err := setting.ParseAll(configs, setting.OpGet)
            if err != nil { return err }
            view, err := env.topology(addr)
            if err != nil { return err }
            c := view.Upcoming
            if runtime || c == nil { c = view.Runtime }
            for _, cfg := range parsed {
                lines, err := setting.Get(c, cfg)
                if err != nil { return err }
                for _, l := range lines { fmt.Fprintln(cmd.OutOrStdout(), l) }
            }
            return nil
        },
    }
    cmd.Flags().StringVarP(&addr, "source", "s", "", "node to read from (host:port)")
    cmd.Flags().StringArrayVarP(&configs, "config", "c", nil, "setting to read, repeatable")
    cmd.Flags().BoolVarP(&runtime, "runtime", "r", false, "read the runtime configuration instead of the upcoming one")
    return cmd
}

// NewSetCmd returns "set", or "unset" when unset is true.
func NewSetCmd(env *Env, unset bool) *cobra.Command {
    var (
        addr    string
        configs []string
    )
    op, use, short := setting.OpSet, "set", "Change configuration settings"
    if unset { op, use, short = setting.OpUnset, "unset", "Remove configuration settings" }
    cmd := &cobra.Command{
        Use:   use,
        Short: short,
        RunE: func(cmd *cobra.Command, args []string) error {
            if addr == "" || len(configs) == 0 { return fmt.Errorf("missing required flags: -s and -c") }
            edits, err := setting.ParseAll(configs, op)
            if err != nil { return err }
            return env.submit(cmd.OutOrStdout(), addr, &change.SettingMutation{Edits: edits})
        },
    }
    cmd.Flags().StringVarP(&addr, "source", "s", "", "node coordinating the change (host:port)")
    cmd.Flags().StringArrayVarP(&configs, "config", "c", nil, "setting, repeatable; applied in order")
    return cmd
}

// NewAttachCmd returns "attach": add the source node to the stripe of the
// destination node.
func NewAttachCmd(env *Env) *cobra.Command {
    var dest, source string
    cmd := &cobra.Command{
        Use:   "attach",
        Short: "Attach a node to a stripe",
        RunE: func(cmd *cobra.Command, args []string) error {
            if dest == "" || source == "" { return fmt.Errorf("missing required flags: -d and -s") }
            dv, err := env.topology(dest)
            if err != nil { return err }
            sv, err := env.topology(source)
            if err != nil { return err }
            if sv.Activated { return fmt.Errorf("Source node: %s is part of an activated cluster and cannot be attached", source) }
            if sv.Runtime.NodeCount() > 1 {
                return fmt.Errorf("Source node: %s is part of a cluster with %d nodes. Detach it first", source, sv.Runtime.NodeCount())
            }
            node, _, ok := sv.Runtime.FindNode(sv.UID)
            if !ok { return fmt.Errorf("Source node: %s does not know itself", source) }
            _, ref, ok := dv.Runtime.FindNode(dv.UID)
            if !ok { return fmt.Errorf("Destination node: %s does not know itself", dest) }
            stripe := dv.Runtime.Stripes[ref.StripeID-1]
            return env.submit(cmd.OutOrStdout(), dest, &change.NodeAddition{StripeUID: stripe.UID, Node: node.Clone()})
        },
    }
    cmd.Flags().StringVarP(&dest, "destination", "d", "", "node of the target stripe (host:port)")
    cmd.Flags().StringVarP(&source, "source", "s", "", "node to attach (host:port)")
    return cmd
}

// NewDetachCmd returns "detach": remove the source node from the cluster of
// the destination node.
func NewDetachCmd(env *Env) *cobra.Command {
    var dest, source string
    cmd := &cobra.Command{
        Use:   "detach",
        Short: "Detach a node from its stripe",
        RunE: func(cmd *cobra.Command, args []string) error {
            if dest == "" || source == "" { return fmt.Errorf("missing required flags: -d and -s") }
            if dest == source { return fmt.Errorf("Source and destination nodes must differ") }
            dv, err := env.topology(dest)
            if err != nil { return err }
            uid := ""
            for _, ref := range dv.Runtime.Nodes() {
                if ref.Addr == source { uid = ref.UID }
            }
            if uid == "" { return fmt.Errorf("Source node: %s is not part of cluster at: %s", source, dest) }
            return env.submit(cmd.OutOrStdout(), dest, change.NewNodeRemoval(dv.Runtime, uid))
        },
    }
    cmd.Flags().StringVarP(&dest, "destination", "d", "", "node coordinating the removal (host:port)")
    cmd.Flags().StringVarP(&source, "source", "s", "", "node to detach (host:port)")
    return cmd
}

// NewActivateCmd returns "activate".
func NewActivateCmd(env *Env) *cobra.Command {
    var addr, name, licenseFile string
    cmd := &cobra.Command{
        Use:   "activate",
        Short: "Activate a cluster",
        RunE: func(cmd *cobra.Command, args []string) error {
            if addr == "" { return fmt.Errorf("missing required flag: -s") }
            act := &change.ClusterActivation{Name: name}
            if licenseFile != "" {
                lic, err := model.LoadLicense(licenseFile)
                if err != nil { return err }
                act.License = lic
            }
            return env.submit(cmd.OutOrStdout(), addr, act)
        },
    }
    cmd.Flags().StringVarP(&addr, "source", "s", "", "any node of the cluster (host:port)")
    cmd.Flags().StringVarP(&name, "cluster-name", "n", "", "cluster name")
    cmd.Flags().StringVarP(&licenseFile, "license-file", "l", "", "YAML license file")
    return cmd
}

// NewDiagnosticCmd returns "diagnostic": what the source node holds and how
// every member of its runtime topology answers.
func NewDiagnosticCmd(env *Env) *cobra.Command {
    var addr string
    cmd := &cobra.Command{
        Use:   "diagnostic",
        Short: "Show the state of a node and its cluster",
        RunE: func(cmd *cobra.Command, args []string) error {
            if addr == "" { return fmt.Errorf("missing required flag: -s") }
            v, err := env.topology(addr)
            if err != nil { return err }
            writeDiagnostic(cmd.OutOrStdout(), v)
            for _, ref := range v.Runtime.Nodes() {
                if ref.UID == v.UID { continue }
                pv, err := env.topology(ref.Addr)
                if err != nil {
                    fmt.Fprintf(cmd.OutOrStdout(), "  stripe.%d.node.%d %s: UNREACHABLE\n", ref.StripeID, ref.NodeID, ref)
                    continue
                }
                fmt.Fprintf(cmd.OutOrStdout(), "  stripe.%d.node.%d %s: %s version=%d digest=%s activated=%v\n",
                    ref.StripeID, ref.NodeID, ref, pv.Role, pv.Version, pv.Digest, pv.Activated)
            }
            return nil
        },
    }
    cmd.Flags().StringVarP(&addr, "source", "s", "", "node to inspect (host:port)")
    return cmd
}

func writeDiagnostic(w io.Writer, v transport.TopologyResponse) {
    fmt.Fprintf(w, "Node: %s (uid=%s)\n", v.Node, v.UID)
    fmt.Fprintf(w, "Role: %s\n", v.Role)
    fmt.Fprintf(w, "Activated: %v\n", v.Activated)
    if v.Runtime != nil {
        fmt.Fprintf(w, "Cluster: %s\n", v.Runtime.Name)
        fmt.Fprintf(w, "Runtime: version=%d digest=%s nodes=%d stripes=%d\n", v.Version, v.Digest, v.Runtime.NodeCount(), len(v.Runtime.Stripes))
    }
    if v.Upcoming != nil {
        fmt.Fprintf(w, "Upcoming: version=%d nodes=%d\n", v.UpcomingVersion, v.Upcoming.NodeCount())
    }
    if v.Staged != nil {
        fmt.Fprintf(w, "Staged: %s %s (base=%d)\n", v.Staged.ChangeID, v.Staged.Summary, v.Staged.BaseVersion)
    }
    if v.Runtime != nil && len(v.Runtime.Offheap) > 0 {
        var parts []string
        for _, k := range v.Runtime.OffheapNames() { parts = append(parts, k+":"+v.Runtime.Offheap[k].String()) }
        sort.Strings(parts)
        fmt.Fprintf(w, "Offheap: %s\n", strings.Join(parts, ","))
    }
    fmt.Fprintln(w, "Members:")
}
