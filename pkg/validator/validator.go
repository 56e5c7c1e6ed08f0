// Package validator holds the structural checks every candidate topology
// must pass before any node is asked to stage it. Validate is pure: it reads
// the base and candidate clusters and never touches shared state.
package validator

import (
    "fmt"
    "sort"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

// Validator checks a candidate cluster against the committed base it was
// derived from. Base may be nil when validating an initial configuration.
type Validator struct {
    Base      *model.Cluster
    Activated bool
}

// New returns a validator for candidates derived from base.
func New(base *model.Cluster, activated bool) Validator { return Validator{Base: base, Activated: activated} }

// Validate runs every check in priority order and returns the first
// rejection as a cfgerr.KindValidation error.
func (v Validator) Validate(c *model.Cluster) error {
    if c == nil || len(c.Stripes) == 0 { return cfgerr.Validation("Cluster must contain at least one stripe") }
    checks := []func(*model.Cluster) error{
        v.checkIdentity,
        v.checkDataDirs,
        v.checkOffheap,
        v.checkAddresses,
        v.checkImmutable,
        v.checkSecurity,
    }
    for _, check := range checks {
        if err := check(c); err != nil { return err }
    }
    return nil
}

// CheckStripeID verifies that a 1-based stripe id exists in c.
func CheckStripeID(c *model.Cluster, id int) error {
    if id < 1 { return cfgerr.Validation("Expected stripe id to be greater than 0") }
    if id > len(c.Stripes) {
        return cfgerr.Validation("Specified stripe id: %d, but cluster contains: %d stripe(s) only", id, len(c.Stripes))
    }
    return nil
}

// CheckNodeID verifies that a 1-based node id exists in the given stripe.
func CheckNodeID(c *model.Cluster, stripeID, nodeID int) error {
    if err := CheckStripeID(c, stripeID); err != nil { return err }
    if nodeID < 1 { return cfgerr.Validation("Expected node id to be greater than 0") }
    if n := len(c.Stripes[stripeID-1].Nodes); nodeID > n {
        return cfgerr.Validation("Specified node id: %d, but stripe %d contains: %d node(s) only", nodeID, stripeID, n)
    }
    return nil
}

func (v Validator) checkIdentity(c *model.Cluster) error {
    names := map[string]bool{}
    uids := map[string]bool{}
    stripeUIDs := map[string]bool{}
    for i, s := range c.Stripes {
        if len(s.Nodes) == 0 { return cfgerr.Validation("Stripe %d must contain at least one node", i+1) }
        if s.UID != "" {
            if stripeUIDs[s.UID] { return cfgerr.Validation("Found duplicate stripe UID: %s", s.UID) }
            stripeUIDs[s.UID] = true
        }
        for _, n := range s.Nodes {
            if n.UID == "" { return cfgerr.Validation("Node %s has no UID", n.Name) }
            if n.Name == "" { return cfgerr.Validation("Node with UID: %s has no name", n.UID) }
            if uids[n.UID] { return cfgerr.Validation("Found duplicate node UID: %s", n.UID) }
            if names[n.Name] { return cfgerr.Validation("Found duplicate node name: %s", n.Name) }
            uids[n.UID] = true
            names[n.Name] = true
        }
    }
    return nil
}

func (v Validator) checkOffheap(c *model.Cluster) error {
    if v.Activated && v.Base != nil {
        for _, name := range v.Base.OffheapNames() {
            old := v.Base.Offheap[name]
            cur, ok := c.Offheap[name]
            if !ok {
                return cfgerr.Validation("offheap-resources.%s cannot be removed once the cluster is activated", name)
            }
            if cur.Bytes() < old.Bytes() {
                return cfgerr.Validation("offheap-resources.%s should be larger than the old size", name)
            }
        }
    }
    if c.License != nil {
        limit := c.License.OffheapLimit
        if total := c.TotalOffheap(); total > limit.Bytes() {
            return cfgerr.Validation("Cluster offheap-resources total of %dMB is not within the license limits of %s", total>>20, limit)
        }
    }
    return nil
}

type endpoint struct {
    node string
    what string
}

func (v Validator) checkAddresses(c *model.Cluster) error {
    seen := map[string]endpoint{}
    for _, s := range c.Stripes {
        for _, n := range s.Nodes {
            if n.Hostname == "" { return cfgerr.Validation("Node %s has no hostname", n.Name) }
            for _, p := range []struct {
                port int
                what string
            }{{n.Port, "port"}, {n.GroupPort, "group-port"}} {
                if p.port < 1 || p.port > 65535 {
                    return cfgerr.Validation("Node %s has an invalid %s: %d", n.Name, p.what, p.port)
                }
                addr := fmt.Sprintf("%s:%d", n.Hostname, p.port)
                if prev, ok := seen[addr]; ok {
                    return cfgerr.Validation("Found duplicate address: %s used by %s of node %s and %s of node %s",
                        addr, prev.what, prev.node, p.what, n.Name)
                }
                seen[addr] = endpoint{node: n.Name, what: p.what}
            }
        }
    }
    return nil
}

func (v Validator) checkImmutable(c *model.Cluster) error {
    if !v.Activated || v.Base == nil { return nil }
    for _, s := range v.Base.Stripes {
        for _, old := range s.Nodes {
            cur, _, ok := c.FindNode(old.UID)
            if !ok { continue }
            fields := []struct{ name, before, after string }{
                {"node-name", old.Name, cur.Name},
                {"node-hostname", old.Hostname, cur.Hostname},
                {"node-port", fmt.Sprint(old.Port), fmt.Sprint(cur.Port)},
                {"node-group-port", fmt.Sprint(old.GroupPort), fmt.Sprint(cur.GroupPort)},
                {"node-metadata-dir", old.MetadataDir, cur.MetadataDir},
                {"node-repository-dir", old.RepositoryDir, cur.RepositoryDir},
            }
            for _, f := range fields {
                if f.before != f.after {
                    return cfgerr.Validation("Setting '%s' of node %s cannot be changed once the cluster is activated", f.name, old.Name)
                }
            }
        }
    }
    if c.Name != v.Base.Name { return cfgerr.Validation("Setting 'cluster-name' cannot be changed once the cluster is activated") }
    return nil
}

func (v Validator) checkSecurity(c *model.Cluster) error {
    needsDir := c.SecurityAuthc != "" || c.SecurityWhitelist || c.SecuritySSLTLS
    for _, s := range c.Stripes {
        for _, n := range s.Nodes {
            if needsDir && n.SecurityDir == "" {
                return cfgerr.Validation("security-dir is mandatory for any of the security configuration, but node %s has none", n.Name)
            }
            if v.Activated && v.Base != nil {
                if old, _, ok := v.Base.FindNode(n.UID); ok && old.SecurityDir != "" && old.SecurityDir != n.SecurityDir {
                    return cfgerr.Validation("Setting 'security-dir' of node %s can only be set once", n.Name)
                }
            }
        }
    }
    switch c.SecurityAuthc {
    case "", "file", "ldap", "certificate":
    default:
        return cfgerr.Validation("security-authc should be one of: file, ldap, certificate")
    }
    if c.SecurityAuthc == "certificate" && !c.SecuritySSLTLS {
        return cfgerr.Validation("security-ssl-tls is required for security-authc=certificate")
    }
    return nil
}

func sortedNames(m map[string]string) []string {
    out := make([]string, 0, len(m))
    for k := range m { out = append(out, k) }
    sort.Strings(out)
    return out
}
