package replication

import (
    "encoding/json"
    "fmt"
    "sort"
    "sync"
    "time"
)

// Entry records one committed topology change in the stripe's replicated
// journal.
type Entry struct {
    ChangeID string    `json:"changeId"`
    Version  uint64    `json:"version"`
    Nodes    int       `json:"nodes"`
    At       time.Time `json:"at"`
}

// Journal is the replicated state of a stripe: which changes its active
// committed. A passive that missed a commit decision finds it here.
type Journal struct {
    mu      sync.RWMutex
    entries map[string]Entry
    last    uint64
}

func NewJournal() *Journal { return &Journal{entries: make(map[string]Entry)} }

func (j *Journal) Apply(e Entry) error {
    if e.ChangeID == "" { return fmt.Errorf("replication: empty change id") }
    j.mu.Lock(); defer j.mu.Unlock()
    j.entries[e.ChangeID] = e
    if e.Version > j.last { j.last = e.Version }
    return nil
}

// Committed reports the version a change committed as, if the stripe
// recorded it.
func (j *Journal) Committed(changeID string) (uint64, bool) {
    j.mu.RLock(); defer j.mu.RUnlock()
    e, ok := j.entries[changeID]
    return e.Version, ok
}

// Last is the highest version recorded.
func (j *Journal) Last() uint64 {
    j.mu.RLock(); defer j.mu.RUnlock()
    return j.last
}

// Snapshot encodes the journal as stable JSON.
func (j *Journal) Snapshot() ([]byte, error) {
    j.mu.RLock(); defer j.mu.RUnlock()
    arr := make([]Entry, 0, len(j.entries))
    for _, e := range j.entries { arr = append(arr, e) }
    sort.Slice(arr, func(a, b int) bool { return arr[a].Version < arr[b].Version })
    return json.Marshal(struct {
        Version int     `json:"version"`
        Entries []Entry `json:"entries"`
    }{Version: 1, Entries: arr})
}

func (j *Journal) Restore(buf []byte) error {
    var snap struct {
        Version int     `json:"version"`
        Entries []Entry `json:"entries"`
    }
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    j.mu.Lock(); defer j.mu.Unlock()
    j.entries = make(map[string]Entry, len(snap.Entries))
    j.last = 0
    for _, e := range snap.Entries {
        if e.ChangeID == "" { continue }
        j.entries[e.ChangeID] = e
        if e.Version > j.last { j.last = e.Version }
    }
    return nil
}
