package tracing

import (
    "context"
    "testing"
)

func TestStartSpan_Disabled(t *testing.T) {
    shutdown, err := Setup(false)
    if err != nil { t.Fatalf("setup: %v", err) }
    defer shutdown(context.Background())
    ctx := context.Background()
    got, end := StartSpan(ctx, "x")
    defer end()
    if got != ctx { t.Fatalf("disabled tracing must return the same context") }
    Annotate(got, "change", "id")
}

func TestStartSpan_Enabled(t *testing.T) {
    shutdown, err := Setup(true)
    if err != nil { t.Fatalf("setup: %v", err) }
    defer func() { enabled = false; _ = shutdown(context.Background()) }()
    ctx, end := StartSpan(context.Background(), "coordinator.prepare")
    Annotate(ctx, "node", "n1", "dangling")
    end()
}
