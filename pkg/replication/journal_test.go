package replication

import (
    "encoding/json"
    "testing"

    r "github.com/hashicorp/raft"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestJournal_SnapshotRestore(t *testing.T) {
    j := NewJournal()
    require.NoError(t, j.Apply(Entry{ChangeID: "c2", Version: 3}))
    require.NoError(t, j.Apply(Entry{ChangeID: "c1", Version: 2}))
    require.Error(t, j.Apply(Entry{}))

    blob, err := j.Snapshot()
    require.NoError(t, err)

    other := NewJournal()
    require.NoError(t, other.Apply(Entry{ChangeID: "stale", Version: 9}))
    require.NoError(t, other.Restore(blob))
    v, ok := other.Committed("c1")
    assert.True(t, ok)
    assert.Equal(t, uint64(2), v)
    _, ok = other.Committed("stale")
    assert.False(t, ok, "restore replaces the journal")
    assert.Equal(t, uint64(3), other.Last())
}

func TestJournalFSM_Apply(t *testing.T) {
    j := NewJournal()
    fsm := newJournalFSM(j)

    payload, _ := json.Marshal(Entry{ChangeID: "c1", Version: 2, Nodes: 3})
    data, _ := json.Marshal(Command{Op: opCommitted, Payload: payload})
    if v := fsm.Apply(&r.Log{Data: data}); v != nil {
        if err, ok := v.(error); ok && err != nil { t.Fatalf("apply: %v", err) }
    }
    if v, ok := j.Committed("c1"); !ok || v != 2 { t.Fatalf("committed(c1) = %d, %v", v, ok) }

    unknown, _ := json.Marshal(Command{Op: "other"})
    if v := fsm.Apply(&r.Log{Data: unknown}); v != nil { t.Fatalf("unknown op returned %v", v) }

    if v := fsm.Apply(&r.Log{Data: []byte("{")}); v == nil { t.Fatalf("garbage must fail") }
}
