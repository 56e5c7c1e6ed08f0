package metrics

import (
    "testing"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
    Register()
    Register()
    mfs, err := prometheus.DefaultGatherer.Gather()
    if err != nil { t.Fatalf("gather: %v", err) }
    if len(mfs) == 0 { t.Fatalf("no metric families") }
}

func TestChangesCounter(t *testing.T) {
    before := testutil.ToFloat64(Changes.WithLabelValues("node-addition", "DONE"))
    Changes.WithLabelValues("node-addition", "DONE").Inc()
    if got := testutil.ToFloat64(Changes.WithLabelValues("node-addition", "DONE")); got != before+1 {
        t.Fatalf("counter = %v, want %v", got, before+1)
    }
    if Bool(true) != 1 || Bool(false) != 0 { t.Fatalf("Bool mapping") }
}
