package change

import (
    "fmt"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

// NodeAddition attaches Node to the stripe identified by StripeUID.
type NodeAddition struct {
    StripeUID string     `json:"stripeUid"`
    Node      model.Node `json:"node"`
}

func (a *NodeAddition) Type() Type                 { return TypeNodeAddition }
func (a *NodeAddition) Precondition() Precondition { return AnyState }

func (a *NodeAddition) Summary() string {
    return fmt.Sprintf("Attaching node: %s to stripe UID: %s", a.Node.Addr(), a.StripeUID)
}

// Apply is a no-op when the node is already a member, so a retry after a
// committed attempt succeeds without changing anything.
func (a *NodeAddition) Apply(base *model.Cluster) (*model.Cluster, error) {
    out := base.Clone()
    if base.ContainsNode(a.Node.UID) { return out, nil }
    if a.Node.UID == "" { return nil, cfgerr.Validation("Node %s has no UID", a.Node.Addr()) }
    i, ok := out.StripeIndex(a.StripeUID)
    if !ok { return nil, cfgerr.Validation("Stripe with UID: %s not found in cluster %s", a.StripeUID, base.Name) }
    out.Stripes[i].Nodes = append(out.Stripes[i].Nodes, a.Node.Clone())
    return out, nil
}

func (a *NodeAddition) Stripes(base *model.Cluster) []int {
    if i, ok := base.StripeIndex(a.StripeUID); ok { return []int{i + 1} }
    return nil
}

// NodeRemoval detaches the node with the given UID.
type NodeRemoval struct {
    NodeUID string `json:"nodeUid"`
    // Node is informational, filled from the base when the change is built.
    Node model.Node `json:"node"`
}

func (r *NodeRemoval) Type() Type                 { return TypeNodeRemoval }
func (r *NodeRemoval) Precondition() Precondition { return AnyState }

func (r *NodeRemoval) Summary() string {
    if r.Node.Hostname != "" { return fmt.Sprintf("Detaching node: %s", r.Node.Addr()) }
    return fmt.Sprintf("Detaching node UID: %s", r.NodeUID)
}

func (r *NodeRemoval) Apply(base *model.Cluster) (*model.Cluster, error) {
    _, ref, ok := base.FindNode(r.NodeUID)
    if !ok { return nil, cfgerr.Validation("Node with UID: %s is not part of cluster %s", r.NodeUID, base.Name) }
    out := base.Clone()
    s := &out.Stripes[ref.StripeID-1]
    if len(s.Nodes) == 1 {
        return nil, cfgerr.Validation("Node: %s is the last node of stripe %d and cannot be detached", ref.Name, ref.StripeID)
    }
    s.Nodes = append(s.Nodes[:ref.NodeID-1], s.Nodes[ref.NodeID:]...)
    return out, nil
}

func (r *NodeRemoval) Stripes(base *model.Cluster) []int {
    if _, ref, ok := base.FindNode(r.NodeUID); ok { return []int{ref.StripeID} }
    return nil
}

// NewNodeRemoval builds a removal for the node with uid in base.
func NewNodeRemoval(base *model.Cluster, uid string) *NodeRemoval {
    r := &NodeRemoval{NodeUID: uid}
    if n, _, ok := base.FindNode(uid); ok { r.Node = n.Clone() }
    return r
}
