package replication

import (
    "encoding/json"
    "io"
    "time"

    "github.com/hashicorp/raft"
)

// Command is a replicated log entry.
type Command struct {
    Op      string          `json:"op"`
    Payload json.RawMessage `json:"payload"`
}

const opCommitted = "committed"

// journalFSM bridges raft Apply/Snapshot to the Journal.
type journalFSM struct {
    j *Journal
}

func newJournalFSM(j *Journal) *journalFSM { return &journalFSM{j: j} }

func (f *journalFSM) Apply(l *raft.Log) interface{} {
    var cmd Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil { return err }
    switch cmd.Op {
    case opCommitted:
        var e Entry
        if err := json.Unmarshal(cmd.Payload, &e); err != nil { return err }
        return f.j.Apply(e)
    default:
        return nil
    }
}

func (f *journalFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.j.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *journalFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.j.Restore(data)
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*journalFSM)(nil)
