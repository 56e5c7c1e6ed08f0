package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "dynconfig"

var (
    once sync.Once

    // Changes counts coordinated changes by type and final state
    // (DONE, REJECTED, ROLLED_BACK).
    Changes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "changes_total",
        Help:      "Total coordinated topology changes by type and final state",
    }, []string{"type", "state"})

    ChangeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: namespace,
        Name:      "change_duration_seconds",
        Help:      "Time spent in each phase of a coordinated change",
        Buckets:   prometheus.DefBuckets,
    }, []string{"phase"})

    PrepareFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "prepare_failures_total",
        Help:      "Prepare failures seen by the coordinator by error kind",
    }, []string{"kind"})

    RuntimeVersion = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "runtime_version",
        Help:      "Version of the topology currently in effect on this node",
    })

    Staged = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "staged",
        Help:      "1 if this node holds a staged change, else 0",
    })

    Activated = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "activated",
        Help:      "1 if the cluster is activated, else 0",
    })

    ClusterNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "cluster_nodes",
        Help:      "Number of nodes in the runtime topology",
    })

    Recoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "recoveries_total",
        Help:      "Staged changes resolved by recovery, by result",
    }, []string{"result"})

    ActuatorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "actuator_failures_total",
        Help:      "Post-commit attach/detach failures needing manual reconciliation",
    }, []string{"op"})

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "replication",
        Name:      "is_leader",
        Help:      "1 if this node leads its stripe, else 0",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "replication",
        Name:      "leader_changes_total",
        Help:      "Total number of observed stripe leader changes",
    })

    GossipMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "gossip",
        Name:      "members",
        Help:      "Current number of reachable gossip members",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Changes, ChangeDuration, PrepareFailures)
        prometheus.MustRegister(RuntimeVersion, Staged, Activated, ClusterNodes)
        prometheus.MustRegister(Recoveries, ActuatorFailures)
        prometheus.MustRegister(IsLeader, LeaderChanges, GossipMembers)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}

// Bool maps a flag to a gauge value.
func Bool(b bool) float64 {
    if b { return 1 }
    return 0
}
