// Package change defines the closed set of topology mutations the protocol
// coordinates. Apply never touches its input; it returns a new cluster.
package change

import (
    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

type Type string

const (
    TypeNodeAddition Type = "node-addition"
    TypeNodeRemoval  Type = "node-removal"
    TypeSettings     Type = "setting-mutation"
    TypeActivation   Type = "cluster-activation"
)

// Precondition declares the activation state a change requires.
type Precondition int

const (
    AnyState Precondition = iota
    RequiresActivation
    RequiresNoActivation
)

// Change is one mutation intent.
type Change interface {
    Type() Type
    // Apply derives the candidate cluster from base.
    Apply(base *model.Cluster) (*model.Cluster, error)
    // Summary is a one-line human readable description.
    Summary() string
    Precondition() Precondition
    // Stripes lists the 1-based stripe ids whose quorum the change needs.
    Stripes(base *model.Cluster) []int
}

// CheckPrecondition rejects ch when the cluster activation state does not
// allow it.
func CheckPrecondition(ch Change, activated bool) error {
    var cause error
    switch ch.Precondition() {
    case RequiresActivation:
        if !activated { cause = cfgerr.ErrNotActivated }
    case RequiresNoActivation:
        if activated { cause = cfgerr.ErrAlreadyActivated }
    }
    if cause == nil { return nil }
    e := cfgerr.Validation("%v: %s", cause, ch.Summary())
    e.Err = cause
    return e
}

// Activates reports whether committing ch activates the cluster.
func Activates(ch Change) bool { _, ok := ch.(*ClusterActivation); return ok }

// RequiresAllNodes reports whether every configured node must prepare ch,
// whatever the failover priority.
func RequiresAllNodes(ch Change) bool { return Activates(ch) }

func allStripes(c *model.Cluster) []int {
    out := make([]int, len(c.Stripes))
    for i := range c.Stripes { out[i] = i + 1 }
    return out
}
