package setting

import (
    "fmt"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/validator"
)

type resolved struct {
    t      target
    prefix string
}

// resolve returns every model element cfg addresses, checking stripe and
// node ids against c.
func resolve(c *model.Cluster, cfg Configuration, d definition) ([]resolved, error) {
    if cfg.StripeID > 0 {
        if err := validator.CheckStripeID(c, cfg.StripeID); err != nil { return nil, invalid(cfg.Raw, cfgerr.Reason(err)) }
    }
    if cfg.NodeID > 0 {
        if err := validator.CheckNodeID(c, cfg.StripeID, cfg.NodeID); err != nil { return nil, invalid(cfg.Raw, cfgerr.Reason(err)) }
    }
    switch d.scope {
    case ScopeCluster:
        return []resolved{{t: target{cluster: c}}}, nil
    case ScopeStripe:
        var out []resolved
        for i := range c.Stripes {
            if cfg.StripeID > 0 && cfg.StripeID != i+1 { continue }
            out = append(out, resolved{t: target{cluster: c, stripe: &c.Stripes[i]}, prefix: fmt.Sprintf("stripe.%d.", i+1)})
        }
        return out, nil
    }
    var out []resolved
    for i := range c.Stripes {
        if cfg.StripeID > 0 && cfg.StripeID != i+1 { continue }
        for j := range c.Stripes[i].Nodes {
            if cfg.NodeID > 0 && cfg.NodeID != j+1 { continue }
            out = append(out, resolved{
                t:      target{cluster: c, stripe: &c.Stripes[i], node: &c.Stripes[i].Nodes[j]},
                prefix: fmt.Sprintf("stripe.%d.node.%d.", i+1, j+1),
            })
        }
    }
    return out, nil
}

// Apply performs a set or unset on c in place. c must be a private clone.
func Apply(c *model.Cluster, cfg Configuration) error {
    d, ok := lookup(cfg.Setting)
    if !ok { return invalid(cfg.Raw, "Illegal setting name: "+cfg.Setting) }
    targets, err := resolve(c, cfg, d)
    if err != nil { return err }
    for _, r := range targets {
        if err := applyOne(d, r.t, cfg); err != nil { return invalid(cfg.Raw, err.Error()) }
    }
    return nil
}

func applyOne(d definition, t target, cfg Configuration) error {
    if d.isMap() {
        switch {
        case cfg.Op == OpSet && cfg.Key != "":
            return d.mapped.put(t, cfg.Key, cfg.Value)
        case cfg.Op == OpSet:
            pairs, err := parseMap(cfg.Value)
            if err != nil { return err }
            for _, k := range model.SortedKeys(pairs) {
                if err := d.mapped.put(t, k, pairs[k]); err != nil { return err }
            }
            return nil
        case cfg.Key != "":
            return d.mapped.del(t, cfg.Key)
        default:
            for k := range d.mapped.get(t) {
                if err := d.mapped.del(t, k); err != nil { return err }
            }
            return nil
        }
    }
    if cfg.Op == OpUnset {
        if d.scalar.unset == nil { return fmt.Errorf("Setting '%s' %v", d.name, errNoUnset) }
        return d.scalar.unset(t)
    }
    return d.scalar.set(t, cfg.Value)
}

// Get renders the addressed values as "<path>=<value>" lines, one per
// resolved element.
func Get(c *model.Cluster, cfg Configuration) ([]string, error) {
    d, ok := lookup(cfg.Setting)
    if !ok { return nil, invalid(cfg.Raw, "Illegal setting name: "+cfg.Setting) }
    targets, err := resolve(c, cfg, d)
    if err != nil { return nil, err }
    var out []string
    for _, r := range targets {
        name := r.prefix + d.name
        if !d.isMap() {
            out = append(out, name+"="+d.scalar.get(r.t))
            continue
        }
        m := d.mapped.get(r.t)
        if cfg.Key == "" {
            out = append(out, name+"="+formatMap(m))
            continue
        }
        v, ok := m[cfg.Key]
        if !ok { return nil, invalid(cfg.Raw, fmt.Sprintf("No value found for %s.%s", name, cfg.Key)) }
        out = append(out, name+"."+cfg.Key+"="+v)
    }
    return out, nil
}
