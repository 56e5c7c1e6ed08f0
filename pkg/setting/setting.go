// Package setting parses operator configuration paths such as
// "stripe.1.node.1.data-dirs.main=user-data/main" and reads or writes the
// addressed values on a model.Cluster.
package setting

import (
    "fmt"
    "strconv"
    "strings"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
)

// Op is what a configuration asks for.
type Op string

const (
    OpGet   Op = "get"
    OpSet   Op = "set"
    OpUnset Op = "unset"
)

// Configuration is one parsed operator input. StripeID and NodeID are
// 1-based and zero when the input does not address a stripe or node.
type Configuration struct {
    Raw      string `json:"raw"`
    Op       Op     `json:"op"`
    StripeID int    `json:"stripeId,omitempty"`
    NodeID   int    `json:"nodeId,omitempty"`
    Setting  string `json:"setting"`
    Key      string `json:"key,omitempty"`
    Value    string `json:"value,omitempty"`
}

// Parse reads a configuration for the given operation. Set inputs carry a
// value after '='; get and unset inputs must not.
func Parse(raw string, op Op) (Configuration, error) {
    in := strings.TrimSpace(raw)
    cfg := Configuration{Raw: in, Op: op}
    path, value, hasValue := strings.Cut(in, "=")
    switch {
    case op == OpSet && !hasValue:
        return cfg, invalid(in, "Expected format: <setting>=<value>")
    case op != OpSet && hasValue:
        return cfg, invalid(in, "Expected format: <setting> without a value")
    }
    cfg.Value = strings.TrimSpace(value)
    parts := strings.Split(strings.TrimSpace(path), ".")
    if len(parts) >= 2 && parts[0] == "stripe" {
        id, err := parseID(parts[1])
        if err != nil { return cfg, invalid(in, "Expected stripe id to be a positive integer, got: "+parts[1]) }
        cfg.StripeID = id
        parts = parts[2:]
        if len(parts) >= 2 && parts[0] == "node" {
            id, err := parseID(parts[1])
            if err != nil { return cfg, invalid(in, "Expected node id to be a positive integer, got: "+parts[1]) }
            cfg.NodeID = id
            parts = parts[2:]
        }
    }
    if len(parts) == 0 || parts[0] == "" { return cfg, invalid(in, "Missing setting name") }
    cfg.Setting = parts[0]
    cfg.Key = strings.Join(parts[1:], ".")
    s, ok := lookup(cfg.Setting)
    if !ok { return cfg, invalid(in, fmt.Sprintf("Illegal setting name: %s", cfg.Setting)) }
    if cfg.Key != "" && !s.isMap() { return cfg, invalid(in, fmt.Sprintf("Setting '%s' does not accept a key", cfg.Setting)) }
    if op == OpSet && cfg.Value == "" {
        return cfg, invalid(in, fmt.Sprintf("Setting '%s' requires a value", cfg.Setting))
    }
    if err := s.checkScope(cfg); err != nil { return cfg, invalid(in, err.Error()) }
    return cfg, nil
}

// ParseAll parses every raw input, stopping at the first failure.
func ParseAll(raws []string, op Op) ([]Configuration, error) {
    out := make([]Configuration, 0, len(raws))
    for _, r := range raws {
        c, err := Parse(r, op)
        if err != nil { return nil, err }
        out = append(out, c)
    }
    return out, nil
}

// String renders the configuration back in operator syntax.
func (c Configuration) String() string {
    var b strings.Builder
    if c.StripeID > 0 { fmt.Fprintf(&b, "stripe.%d.", c.StripeID) }
    if c.NodeID > 0 { fmt.Fprintf(&b, "node.%d.", c.NodeID) }
    b.WriteString(c.Setting)
    if c.Key != "" { b.WriteString("." + c.Key) }
    if c.Op == OpSet { b.WriteString("=" + c.Value) }
    return b.String()
}

func parseID(s string) (int, error) {
    id, err := strconv.Atoi(s)
    if err != nil || id < 1 { return 0, fmt.Errorf("bad id %q", s) }
    return id, nil
}

func invalid(raw, reason string) error {
    return cfgerr.Validation("Invalid input: '%s'. Reason: %s", raw, reason)
}
