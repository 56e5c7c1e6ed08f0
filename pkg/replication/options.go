package replication

import (
    "time"

    "go.uber.org/zap"
)

// Options configure the replication group of one node.
type Options struct {
    // NodeID is the raft server id; nodes use their management address.
    NodeID string
    Logger *zap.SugaredLogger

    // Timeouts (optional). Zero means raft defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration
    // ReconfigureTimeout bounds AddVoter/RemoveServer.
    ReconfigureTimeout time.Duration

    // BindAddr selects a TCP transport bound to the node's group port. When
    // empty an in-memory transport is used.
    BindAddr string
    // Advertise is the address peers dial, required when BindAddr is a
    // wildcard address.
    Advertise string

    // DataDir selects on-disk stores (bolt log/stable store, file
    // snapshots). When empty, in-memory stores are used.
    DataDir string

    SnapshotsRetained int
}
