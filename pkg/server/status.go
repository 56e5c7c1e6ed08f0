package server

import (
    "github.com/akashicloud/terracotta-platform/pkg/membership"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

// Status is a JSON-friendly snapshot of one node.
type Status struct {
    Node            string                `json:"node"`
    UID             string                `json:"uid"`
    Role            model.Role            `json:"role"`
    Activated       bool                  `json:"activated"`
    Version         uint64                `json:"version"`
    UpcomingVersion uint64                `json:"upcomingVersion"`
    RuntimeNodes    int                   `json:"runtimeNodes"`
    UpcomingNodes   int                   `json:"upcomingNodes"`
    Staged          *transport.StagedInfo `json:"staged,omitempty"`
    // StripeLeader is the replication leader of the node's stripe.
    StripeLeader string              `json:"stripeLeader,omitempty"`
    Term         uint64              `json:"term,omitempty"`
    Members      []membership.Member `json:"members,omitempty"`
    // Health is the gossip awareness score, -1 without gossip.
    Health   int      `json:"health"`
    Warnings []string `json:"warnings,omitempty"`
}
