package validator

import (
    "path/filepath"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

type dataDir struct {
    node     *model.Node
    name     string
    path     string
    stripeID int
}

// checkDataDirs rejects renamed or removed data directories after
// activation, then any new or moved entry overlapping another directory on
// the same host. Entries unchanged from the base are not re-examined.
func (v Validator) checkDataDirs(c *model.Cluster) error {
    var all []dataDir
    for i := range c.Stripes {
        for j := range c.Stripes[i].Nodes {
            n := &c.Stripes[i].Nodes[j]
            for _, name := range sortedNames(n.DataDirs) {
                all = append(all, dataDir{node: n, name: name, path: model.NormalizePath(n.DataDirs[name]), stripeID: i + 1})
            }
            if err := v.checkExisting(n); err != nil { return err }
        }
    }
    for i, d := range all {
        if !v.changed(d) { continue }
        for j, other := range all {
            if i == j { continue }
            if other.node != d.node && !sharedPath(d, other) { continue }
            if model.PathsOverlap(d.path, other.path) {
                return cfgerr.Validation("Data directory: %s with path: %s of node %s overlaps with the existing data directory: %s with path: %s of node %s",
                    d.name, d.path, d.node.Name, other.name, other.path, other.node.Name)
            }
        }
    }
    return nil
}

func (v Validator) checkExisting(n *model.Node) error {
    if !v.Activated || v.Base == nil { return nil }
    old, _, ok := v.Base.FindNode(n.UID)
    if !ok { return nil }
    for _, name := range sortedNames(old.DataDirs) {
        cur, present := n.DataDirs[name]
        if !present {
            return cfgerr.Validation("Data directory: %s of node %s cannot be removed once the cluster is activated", name, n.Name)
        }
        if model.NormalizePath(cur) != model.NormalizePath(old.DataDirs[name]) {
            return cfgerr.Validation("A data directory with name: %s already exists", name)
        }
    }
    return nil
}

// sharedPath reports whether two entries of different nodes may collide.
// Relative paths resolve under each node's own working directory.
func sharedPath(a, b dataDir) bool {
    return a.node.Hostname == b.node.Hostname && filepath.IsAbs(a.path) && filepath.IsAbs(b.path)
}

// changed reports whether d is absent from, or differs from, the base.
func (v Validator) changed(d dataDir) bool {
    if v.Base == nil { return true }
    old, _, ok := v.Base.FindNode(d.node.UID)
    if !ok { return true }
    p, ok := old.DataDirs[d.name]
    return !ok || model.NormalizePath(p) != d.path
}
