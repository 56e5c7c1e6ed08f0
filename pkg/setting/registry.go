package setting

import (
    "errors"
    "fmt"
    "sort"
    "strconv"
    "strings"

    "github.com/akashicloud/terracotta-platform/pkg/model"
)

// Scope is where a setting lives in the model.
type Scope int

const (
    ScopeCluster Scope = iota
    ScopeStripe
    ScopeNode
)

func (s Scope) String() string {
    switch s {
    case ScopeStripe:
        return "stripe"
    case ScopeNode:
        return "node"
    }
    return "cluster"
}

// target is the model element a configuration resolves to.
type target struct {
    cluster *model.Cluster
    stripe  *model.Stripe
    node    *model.Node
}

type scalar struct {
    get   func(t target) string
    set   func(t target, v string) error
    unset func(t target) error
}

type mapped struct {
    get func(t target) map[string]string
    put func(t target, k, v string) error
    del func(t target, k string) error
}

type definition struct {
    name       string
    scope      Scope
    scalar     *scalar
    mapped     *mapped
}

func (d definition) isMap() bool { return d.mapped != nil }

func (d definition) checkScope(c Configuration) error {
    switch d.scope {
    case ScopeCluster:
        if c.StripeID > 0 { return fmt.Errorf("Setting '%s' is cluster-wide and cannot be addressed to a stripe or node", d.name) }
    case ScopeStripe:
        if c.NodeID > 0 { return fmt.Errorf("Setting '%s' is stripe-wide and cannot be addressed to a node", d.name) }
    }
    return nil
}

var errNoUnset = errors.New("cannot be unset")

var registry = map[string]definition{}

func register(d definition) { registry[d.name] = d }

func lookup(name string) (definition, bool) { d, ok := registry[name]; return d, ok }

// Names lists every supported setting.
func Names() []string {
    out := make([]string, 0, len(registry))
    for k := range registry { out = append(out, k) }
    sort.Strings(out)
    return out
}

func init() {
    register(definition{name: "cluster-name", scope: ScopeCluster, scalar: &scalar{
        get: func(t target) string { return t.cluster.Name },
        set: func(t target, v string) error { t.cluster.Name = v; return nil },
    }})
    register(definition{name: "offheap-resources", scope: ScopeCluster, mapped: &mapped{
        get: func(t target) map[string]string {
            out := map[string]string{}
            for k, m := range t.cluster.Offheap { out[k] = m.String() }
            return out
        },
        put: func(t target, k, v string) error {
            m, err := model.ParseMemory(v)
            if err != nil { return err }
            if t.cluster.Offheap == nil { t.cluster.Offheap = map[string]model.Memory{} }
            t.cluster.Offheap[k] = m
            return nil
        },
        del: func(t target, k string) error { delete(t.cluster.Offheap, k); return nil },
    }})
    register(timeSetting("client-reconnect-window", func(c *model.Cluster) *model.TimeValue { return &c.ClientReconnectWindow }))
    register(timeSetting("client-lease-duration", func(c *model.Cluster) *model.TimeValue { return &c.ClientLeaseDuration }))
    register(definition{name: "failover-priority", scope: ScopeCluster, scalar: &scalar{
        get: func(t target) string { return t.cluster.FailoverPriority.String() },
        set: func(t target, v string) error {
            f, err := model.ParseFailoverPriority(v)
            if err != nil { return err }
            t.cluster.FailoverPriority = f
            return nil
        },
    }})
    register(definition{name: "security-authc", scope: ScopeCluster, scalar: &scalar{
        get:   func(t target) string { return t.cluster.SecurityAuthc },
        set:   func(t target, v string) error { t.cluster.SecurityAuthc = v; return nil },
        unset: func(t target) error { t.cluster.SecurityAuthc = ""; return nil },
    }})
    register(boolSetting("security-ssl-tls", func(c *model.Cluster) *bool { return &c.SecuritySSLTLS }))
    register(boolSetting("security-whitelist", func(c *model.Cluster) *bool { return &c.SecurityWhitelist }))

    register(definition{name: "stripe-name", scope: ScopeStripe, scalar: &scalar{
        get: func(t target) string { return t.stripe.Name },
        set: func(t target, v string) error { t.stripe.Name = v; return nil },
    }})

    register(nodeString("node-name", func(n *model.Node) *string { return &n.Name }, false, false))
    register(nodeString("node-hostname", func(n *model.Node) *string { return &n.Hostname }, false, false))
    register(nodePort("node-port", func(n *model.Node) *int { return &n.Port }))
    register(nodePort("node-group-port", func(n *model.Node) *int { return &n.GroupPort }))
    register(nodeString("node-log-dir", func(n *model.Node) *string { return &n.LogDir }, true, true))
    register(nodeString("node-backup-dir", func(n *model.Node) *string { return &n.BackupDir }, true, true))
    register(nodeString("node-metadata-dir", func(n *model.Node) *string { return &n.MetadataDir }, true, false))
    register(nodeString("node-repository-dir", func(n *model.Node) *string { return &n.RepositoryDir }, true, false))
    register(nodeString("security-dir", func(n *model.Node) *string { return &n.SecurityDir }, true, true))
    register(nodeMap("data-dirs", func(n *model.Node) *map[string]string { return &n.DataDirs }, true))
    register(nodeMap("tc-properties", func(n *model.Node) *map[string]string { return &n.TcProperties }, false))
}

func timeSetting(name string, field func(*model.Cluster) *model.TimeValue) definition {
    return definition{name: name, scope: ScopeCluster, scalar: &scalar{
        get: func(t target) string { return field(t.cluster).String() },
        set: func(t target, v string) error {
            tv, err := model.ParseTimeValue(v)
            if err != nil { return err }
            *field(t.cluster) = tv
            return nil
        },
    }}
}

func boolSetting(name string, field func(*model.Cluster) *bool) definition {
    return definition{name: name, scope: ScopeCluster, scalar: &scalar{
        get: func(t target) string { return strconv.FormatBool(*field(t.cluster)) },
        set: func(t target, v string) error {
            b, err := strconv.ParseBool(v)
            if err != nil { return fmt.Errorf("%s should be true or false", name) }
            *field(t.cluster) = b
            return nil
        },
        unset: func(t target) error { *field(t.cluster) = false; return nil },
    }}
}

func nodeString(name string, field func(*model.Node) *string, path, unsettable bool) definition {
    s := &scalar{
        get: func(t target) string { return *field(t.node) },
        set: func(t target, v string) error {
            if path { v = model.NormalizePath(v) }
            *field(t.node) = v
            return nil
        },
    }
    if unsettable {
        s.unset = func(t target) error { *field(t.node) = ""; return nil }
    }
    return definition{name: name, scope: ScopeNode, scalar: s}
}

func nodePort(name string, field func(*model.Node) *int) definition {
    return definition{name: name, scope: ScopeNode, scalar: &scalar{
        get: func(t target) string { return strconv.Itoa(*field(t.node)) },
        set: func(t target, v string) error {
            p, err := strconv.Atoi(v)
            if err != nil || p < 1 || p > 65535 { return fmt.Errorf("%s should be a port between 1 and 65535", name) }
            *field(t.node) = p
            return nil
        },
    }}
}

func nodeMap(name string, field func(*model.Node) *map[string]string, path bool) definition {
    return definition{name: name, scope: ScopeNode, mapped: &mapped{
        get: func(t target) map[string]string { return *field(t.node) },
        put: func(t target, k, v string) error {
            m := field(t.node)
            if *m == nil { *m = map[string]string{} }
            if path { v = model.NormalizePath(v) }
            (*m)[k] = v
            return nil
        },
        del: func(t target, k string) error { delete(*field(t.node), k); return nil },
    }}
}

// formatMap renders k1:v1,k2:v2 in key order.
func formatMap(m map[string]string) string {
    keys := model.SortedKeys(m)
    parts := make([]string, 0, len(keys))
    for _, k := range keys { parts = append(parts, k+":"+m[k]) }
    return strings.Join(parts, ",")
}

// parseMap reads k1:v1,k2:v2.
func parseMap(v string) (map[string]string, error) {
    out := map[string]string{}
    for _, pair := range strings.Split(v, ",") {
        pair = strings.TrimSpace(pair)
        if pair == "" { continue }
        k, val, ok := strings.Cut(pair, ":")
        k, val = strings.TrimSpace(k), strings.TrimSpace(val)
        if !ok || k == "" || val == "" { return nil, fmt.Errorf("expected <key>:<value> pairs, got: %s", pair) }
        out[k] = val
    }
    if len(out) == 0 { return nil, errors.New("expected at least one <key>:<value> pair") }
    return out, nil
}
