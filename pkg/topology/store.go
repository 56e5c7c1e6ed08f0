// Package topology holds a node's runtime and upcoming cluster versions.
// Snapshots are immutable once stored; at most one change is staged at a
// time and it can only be staged against the current runtime version.
package topology

import (
    "fmt"
    "sort"
    "sync"
    "time"

    gocache "github.com/patrickmn/go-cache"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

// Outcome is what a node knows about a change id.
type Outcome string

const (
    OutcomeCommitted  Outcome = "COMMITTED"
    OutcomePrepared   Outcome = "PREPARED"
    OutcomeRolledBack Outcome = "ROLLED_BACK"
    OutcomeUnknown    Outcome = "UNKNOWN"
)

// Staged is the upcoming topology of a change that is prepared but not yet
// decided.
type Staged struct {
    ChangeID    string         `json:"changeId"`
    Summary     string         `json:"summary"`
    Cluster     *model.Cluster `json:"cluster"`
    BaseVersion uint64         `json:"baseVersion"`
    // Activate marks the cluster activated when the change commits.
    Activate bool      `json:"activate,omitempty"`
    StagedAt time.Time `json:"stagedAt"`
}

// Transition describes a committed change.
type Transition struct {
    ChangeID    string
    From        *model.Cluster
    FromVersion uint64
    To          *model.Cluster
    Version     uint64
    Activated   bool
    // Activates is set on the commit that activated the cluster.
    Activates bool
    // Replayed is set when the change had already been committed before.
    Replayed bool
}

// Options configure a Store.
type Options struct {
    // Dir selects the durable bolt backend when non-empty.
    Dir string
    // Retain bounds how many runtime versions the arena keeps.
    Retain int
    // RolledBackTTL is how long rolled back change ids are remembered.
    RolledBackTTL time.Duration
}

const (
    defaultRetain        = 8
    defaultRolledBackTTL = 30 * time.Minute
)

// Store is safe for concurrent use.
type Store struct {
    mu         sync.Mutex
    arena      map[uint64]*model.Cluster
    runtime    uint64
    activated  bool
    staged     *Staged
    journal    map[string]uint64
    rolledBack *gocache.Cache
    retain     int
    disk       *boltDisk
}

// New opens a store. When the backend holds no state yet, seed becomes the
// runtime topology at version 1.
func New(seed *model.Cluster, opts Options) (*Store, error) {
    if opts.Retain <= 0 { opts.Retain = defaultRetain }
    if opts.RolledBackTTL <= 0 { opts.RolledBackTTL = defaultRolledBackTTL }
    s := &Store{
        arena:      make(map[uint64]*model.Cluster),
        journal:    make(map[string]uint64),
        rolledBack: gocache.New(opts.RolledBackTTL, time.Minute),
        retain:     opts.Retain,
    }
    if opts.Dir != "" {
        d, err := openBolt(opts.Dir)
        if err != nil { return nil, err }
        s.disk = d
        if err := d.load(s); err != nil { _ = d.close(); return nil, err }
    }
    if s.runtime == 0 {
        if seed == nil { return nil, fmt.Errorf("topology: empty store and no seed topology") }
        s.arena[1] = seed.Clone()
        s.runtime = 1
        if err := s.persist(func(d *boltDisk) error { return d.install(1, s.arena[1], false) }); err != nil { return nil, err }
    }
    return s, nil
}

// Close releases the durable backend.
func (s *Store) Close() error {
    if s.disk == nil { return nil }
    return s.disk.close()
}

// Runtime returns the topology currently in effect.
func (s *Store) Runtime() (*model.Cluster, uint64) {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.arena[s.runtime].Clone(), s.runtime
}

// Upcoming returns the staged topology, or the runtime one when nothing is
// staged. The version of a staged topology is the one it commits as.
func (s *Store) Upcoming() (*model.Cluster, uint64) {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.staged != nil { return s.staged.Cluster.Clone(), s.staged.BaseVersion + 1 }
    return s.arena[s.runtime].Clone(), s.runtime
}

func (s *Store) Activated() bool {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.activated
}

// License is the license of the runtime topology, nil before activation.
func (s *Store) License() *model.License {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.arena[s.runtime].License
}

// StagedChange returns a copy of the staged change, if any.
func (s *Store) StagedChange() (Staged, bool) {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.staged == nil { return Staged{}, false }
    st := *s.staged
    st.Cluster = st.Cluster.Clone()
    return st, true
}

// Stage records st as the upcoming topology. It fails with
// ErrChangeInProgress when another change is staged and ErrVersionConflict
// when the runtime is no longer expectedBase. A change id that was already
// decided cannot be staged again; staging the same id twice is accepted.
func (s *Store) Stage(st Staged, expectedBase uint64) error {
    if st.ChangeID == "" || st.Cluster == nil { return fmt.Errorf("topology: incomplete staged change") }
    s.mu.Lock(); defer s.mu.Unlock()
    if s.staged != nil {
        if s.staged.ChangeID == st.ChangeID { return nil }
        return fmt.Errorf("%w: %s", cfgerr.ErrChangeInProgress, s.staged.Summary)
    }
    if _, ok := s.journal[st.ChangeID]; ok { return cfgerr.ErrAlreadyCommitted }
    if _, ok := s.rolledBack.Get(st.ChangeID); ok { return cfgerr.ErrAlreadyRolledBack }
    if s.runtime != expectedBase {
        return fmt.Errorf("%w: expected version %d, runtime is %d", cfgerr.ErrVersionConflict, expectedBase, s.runtime)
    }
    st.BaseVersion = expectedBase
    st.Cluster = st.Cluster.Clone()
    if st.StagedAt.IsZero() { st.StagedAt = time.Now() }
    if err := s.persist(func(d *boltDisk) error { return d.putStaged(&st) }); err != nil { return err }
    s.staged = &st
    return nil
}

// Commit promotes the staged change with the given id. Committing an id
// that was already committed returns its transition again with Replayed set.
func (s *Store) Commit(changeID string) (Transition, error) {
    s.mu.Lock(); defer s.mu.Unlock()
    if v, ok := s.journal[changeID]; ok {
        t := Transition{ChangeID: changeID, Version: v, Activated: s.activated, Replayed: true}
        if c, ok := s.arena[v]; ok { t.To = c.Clone() }
        if c, ok := s.arena[v-1]; ok { t.From, t.FromVersion = c.Clone(), v-1 }
        return t, nil
    }
    if s.staged == nil || s.staged.ChangeID != changeID {
        return Transition{}, fmt.Errorf("%w: %s", cfgerr.ErrNoStagedChange, changeID)
    }
    st := s.staged
    next := s.runtime + 1
    activated := s.activated || st.Activate
    if err := s.persist(func(d *boltDisk) error { return d.commit(changeID, next, st.Cluster, activated) }); err != nil {
        return Transition{}, err
    }
    t := Transition{ChangeID: changeID, From: s.arena[s.runtime].Clone(), FromVersion: s.runtime,
        To: st.Cluster.Clone(), Version: next, Activated: activated, Activates: activated && !s.activated}
    s.arena[next] = st.Cluster
    s.runtime = next
    s.activated = activated
    s.journal[changeID] = next
    s.staged = nil
    s.prune()
    return t, nil
}

// Rollback discards the staged change with the given id. Rolling back an
// unknown or already rolled back id is a no-op; rolling back a committed
// one fails with ErrAlreadyCommitted.
func (s *Store) Rollback(changeID string) error {
    s.mu.Lock(); defer s.mu.Unlock()
    if _, ok := s.journal[changeID]; ok { return cfgerr.ErrAlreadyCommitted }
    s.rolledBack.SetDefault(changeID, struct{}{})
    if s.staged == nil || s.staged.ChangeID != changeID { return nil }
    if err := s.persist(func(d *boltDisk) error { return d.putStaged(nil) }); err != nil { return err }
    s.staged = nil
    return nil
}

// Outcome reports what this node knows about changeID.
func (s *Store) Outcome(changeID string) Outcome {
    s.mu.Lock(); defer s.mu.Unlock()
    if _, ok := s.journal[changeID]; ok { return OutcomeCommitted }
    if s.staged != nil && s.staged.ChangeID == changeID { return OutcomePrepared }
    if _, ok := s.rolledBack.Get(changeID); ok { return OutcomeRolledBack }
    return OutcomeUnknown
}

// Install replaces the runtime topology outside of a change: it seeds a node
// being attached and brings a lagging node forward. Without force the
// version must be newer than the runtime one.
func (s *Store) Install(c *model.Cluster, version uint64, activated, force bool) error {
    if c == nil || version == 0 { return fmt.Errorf("topology: nothing to install") }
    s.mu.Lock(); defer s.mu.Unlock()
    if s.staged != nil { return fmt.Errorf("%w: %s", cfgerr.ErrChangeInProgress, s.staged.Summary) }
    if !force && version <= s.runtime {
        return fmt.Errorf("%w: install of version %d over runtime %d", cfgerr.ErrVersionConflict, version, s.runtime)
    }
    c = c.Clone()
    if err := s.persist(func(d *boltDisk) error { return d.install(version, c, activated) }); err != nil { return err }
    // an installed topology starts a new history
    var drop []uint64
    for v := range s.arena {
        if v != version { drop = append(drop, v) }
    }
    s.arena = map[uint64]*model.Cluster{version: c}
    s.runtime = version
    s.activated = activated
    if len(drop) > 0 { return s.persist(func(d *boltDisk) error { return d.drop(drop) }) }
    return nil
}

// Versions lists the versions held in the arena, oldest first.
func (s *Store) Versions() []uint64 {
    s.mu.Lock(); defer s.mu.Unlock()
    out := make([]uint64, 0, len(s.arena))
    for v := range s.arena { out = append(out, v) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func (s *Store) prune() {
    var drop []uint64
    for v := range s.arena {
        if v+uint64(s.retain) <= s.runtime || v > s.runtime { drop = append(drop, v) }
    }
    for _, v := range drop { delete(s.arena, v) }
    if len(drop) > 0 { _ = s.persist(func(d *boltDisk) error { return d.drop(drop) }) }
}

func (s *Store) persist(fn func(*boltDisk) error) error {
    if s.disk == nil { return nil }
    if err := fn(s.disk); err != nil { return fmt.Errorf("topology: persist: %w", err) }
    return nil
}
