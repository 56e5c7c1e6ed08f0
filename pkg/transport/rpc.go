package transport

import (
    "context"
    "encoding/json"
    "errors"
    "time"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

// StagedInfo describes the change a node holds staged.
type StagedInfo struct {
    ChangeID    string    `json:"changeId"`
    Summary     string    `json:"summary"`
    BaseVersion uint64    `json:"baseVersion"`
    StagedAt    time.Time `json:"stagedAt"`
}

// TopologyResponse is a node's view of the cluster: what it runs, what it
// has staged and which replication role it holds.
type TopologyResponse struct {
    Node            string         `json:"node"`
    UID             string         `json:"uid"`
    Runtime         *model.Cluster `json:"runtime"`
    Version         uint64         `json:"version"`
    // Digest fingerprints Runtime; see model.Cluster.Digest.
    Digest          string         `json:"digest"`
    Upcoming        *model.Cluster `json:"upcoming"`
    UpcomingVersion uint64         `json:"upcomingVersion"`
    Activated       bool           `json:"activated"`
    Role            model.Role     `json:"role"`
    Staged          *StagedInfo    `json:"staged,omitempty"`
}

// TopologyFunc serves a node's topology view.
type TopologyFunc func(ctx context.Context) (TopologyResponse, error)

// PrepareRequest asks a node to validate and stage a change built against
// BaseVersion. BaseDigest, when set, must match the node's runtime too.
type PrepareRequest struct {
    ChangeID    string          `json:"changeId"`
    Change      json.RawMessage `json:"change"`
    BaseVersion uint64          `json:"baseVersion"`
    BaseDigest  string          `json:"baseDigest,omitempty"`
    Coordinator string          `json:"coordinator"`
}

// PrepareResponse carries the node's vote. A rejection is reported in
// Error, not as a transport failure.
type PrepareResponse struct {
    Node     string        `json:"node"`
    Accepted bool          `json:"accepted"`
    Version  uint64        `json:"version"`
    Error    *cfgerr.Error `json:"error,omitempty"`
}

type PrepareFunc func(ctx context.Context, req PrepareRequest) (PrepareResponse, error)

// DecisionRequest commits (Commit=true) or rolls back a staged change.
type DecisionRequest struct {
    ChangeID string `json:"changeId"`
    Commit   bool   `json:"commit"`
}

type DecisionResponse struct {
    Node    string        `json:"node"`
    Version uint64        `json:"version"`
    Error   *cfgerr.Error `json:"error,omitempty"`
    // Anomaly reports an attach/detach that failed after the commit.
    Anomaly *cfgerr.Error `json:"anomaly,omitempty"`
}

type DecisionFunc func(ctx context.Context, req DecisionRequest) (DecisionResponse, error)

// OutcomeRequest asks what a node knows about a change id.
type OutcomeRequest struct {
    ChangeID string `json:"changeId"`
}

type OutcomeResponse struct {
    Node     string `json:"node"`
    ChangeID string `json:"changeId"`
    // Outcome is COMMITTED, PREPARED, ROLLED_BACK or UNKNOWN.
    Outcome string `json:"outcome"`
}

type OutcomeFunc func(ctx context.Context, req OutcomeRequest) (OutcomeResponse, error)

// InstallRequest replaces a node's runtime topology outside of a change.
type InstallRequest struct {
    Cluster   *model.Cluster `json:"cluster"`
    Version   uint64         `json:"version"`
    Activated bool           `json:"activated"`
    Force     bool           `json:"force,omitempty"`
}

type InstallResponse struct {
    Node  string        `json:"node"`
    Error *cfgerr.Error `json:"error,omitempty"`
}

type InstallFunc func(ctx context.Context, req InstallRequest) (InstallResponse, error)

// SubmitRequest is an operator change sent to the node that coordinates it.
type SubmitRequest struct {
    Change json.RawMessage `json:"change"`
}

// SubmitResponse reports the final state of a coordinated change.
type SubmitResponse struct {
    ChangeID string `json:"changeId"`
    State    string `json:"state"`
    Version  uint64 `json:"version,omitempty"`
    // Skipped is set when the change left the topology unchanged.
    Skipped bool `json:"skipped,omitempty"`
    // Anomalies lists post-commit actuator failures.
    Anomalies []string      `json:"anomalies,omitempty"`
    Error     *cfgerr.Error `json:"error,omitempty"`
}

type SubmitFunc func(ctx context.Context, req SubmitRequest) (SubmitResponse, error)

// Handlers bundles the node-side implementation of every management call.
// A nil handler answers "not supported".
type Handlers struct {
    Topology TopologyFunc
    Prepare  PrepareFunc
    Decide   DecisionFunc
    Outcome  OutcomeFunc
    Install  InstallFunc
    Submit   SubmitFunc
}

// RPCServer exposes the management calls to peers and operators.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against the node at addr
// (hostname:port).
type RPCClient interface {
    Topology(ctx context.Context, addr string) (TopologyResponse, error)
    Prepare(ctx context.Context, addr string, req PrepareRequest) (PrepareResponse, error)
    Decide(ctx context.Context, addr string, req DecisionRequest) (DecisionResponse, error)
    Outcome(ctx context.Context, addr string, req OutcomeRequest) (OutcomeResponse, error)
    Install(ctx context.Context, addr string, req InstallRequest) (InstallResponse, error)
    Submit(ctx context.Context, addr string, req SubmitRequest) (SubmitResponse, error)
}

// Err returns the wire error as a Go error, nil when there is none.
func Err(e *cfgerr.Error) error {
    if e == nil { return nil }
    return cfgerr.Rehydrate(e)
}

// WireError converts err for a response body.
func WireError(err error) *cfgerr.Error {
    if err == nil { return nil }
    var e *cfgerr.Error
    if errors.As(err, &e) { return e }
    return cfgerr.Protocol("", err)
}
