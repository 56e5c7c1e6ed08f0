package topology

import (
    "encoding/binary"
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"
    "time"

    "github.com/boltdb/bolt"

    "github.com/akashicloud/terracotta-platform/pkg/model"
)

var (
    bucketSnapshots = []byte("snapshots")
    bucketMeta      = []byte("meta")
    bucketJournal   = []byte("journal")

    keyRuntime   = []byte("runtime")
    keyActivated = []byte("activated")
    keyStaged    = []byte("staged")
)

// boltDisk keeps the store in <dir>/topology.db so a staged change survives
// a restart and can be reconciled.
type boltDisk struct {
    db *bolt.DB
}

func openBolt(dir string) (*boltDisk, error) {
    if err := os.MkdirAll(dir, 0o755); err != nil { return nil, err }
    db, err := bolt.Open(filepath.Join(dir, "topology.db"), 0o600, &bolt.Options{Timeout: 2 * time.Second})
    if err != nil { return nil, fmt.Errorf("topology: open bolt: %w", err) }
    err = db.Update(func(tx *bolt.Tx) error {
        for _, b := range [][]byte{bucketSnapshots, bucketMeta, bucketJournal} {
            if _, err := tx.CreateBucketIfNotExists(b); err != nil { return err }
        }
        return nil
    })
    if err != nil { _ = db.Close(); return nil, err }
    return &boltDisk{db: db}, nil
}

func (d *boltDisk) close() error { return d.db.Close() }

func u64(v uint64) []byte {
    b := make([]byte, 8)
    binary.BigEndian.PutUint64(b, v)
    return b
}

// load fills s from disk. The caller holds no lock; s is not shared yet.
func (d *boltDisk) load(s *Store) error {
    return d.db.View(func(tx *bolt.Tx) error {
        meta := tx.Bucket(bucketMeta)
        if v := meta.Get(keyRuntime); len(v) == 8 { s.runtime = binary.BigEndian.Uint64(v) }
        s.activated = string(meta.Get(keyActivated)) == "1"
        if v := meta.Get(keyStaged); v != nil {
            var st Staged
            if err := json.Unmarshal(v, &st); err != nil { return fmt.Errorf("topology: staged change: %w", err) }
            s.staged = &st
        }
        err := tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
            var c model.Cluster
            if err := json.Unmarshal(v, &c); err != nil { return fmt.Errorf("topology: snapshot %d: %w", binary.BigEndian.Uint64(k), err) }
            s.arena[binary.BigEndian.Uint64(k)] = &c
            return nil
        })
        if err != nil { return err }
        if s.runtime != 0 && s.arena[s.runtime] == nil { return fmt.Errorf("topology: runtime version %d missing", s.runtime) }
        return tx.Bucket(bucketJournal).ForEach(func(k, v []byte) error {
            if len(v) == 8 { s.journal[string(k)] = binary.BigEndian.Uint64(v) }
            return nil
        })
    })
}

func putRuntime(tx *bolt.Tx, version uint64, c *model.Cluster, activated bool) error {
    data, err := json.Marshal(c)
    if err != nil { return err }
    if err := tx.Bucket(bucketSnapshots).Put(u64(version), data); err != nil { return err }
    meta := tx.Bucket(bucketMeta)
    if err := meta.Put(keyRuntime, u64(version)); err != nil { return err }
    flag := "0"
    if activated { flag = "1" }
    return meta.Put(keyActivated, []byte(flag))
}

func (d *boltDisk) install(version uint64, c *model.Cluster, activated bool) error {
    return d.db.Update(func(tx *bolt.Tx) error { return putRuntime(tx, version, c, activated) })
}

func (d *boltDisk) commit(changeID string, version uint64, c *model.Cluster, activated bool) error {
    return d.db.Update(func(tx *bolt.Tx) error {
        if err := putRuntime(tx, version, c, activated); err != nil { return err }
        if err := tx.Bucket(bucketJournal).Put([]byte(changeID), u64(version)); err != nil { return err }
        return tx.Bucket(bucketMeta).Delete(keyStaged)
    })
}

// putStaged writes st, or clears the slot when st is nil.
func (d *boltDisk) putStaged(st *Staged) error {
    return d.db.Update(func(tx *bolt.Tx) error {
        meta := tx.Bucket(bucketMeta)
        if st == nil { return meta.Delete(keyStaged) }
        data, err := json.Marshal(st)
        if err != nil { return err }
        return meta.Put(keyStaged, data)
    })
}

func (d *boltDisk) drop(versions []uint64) error {
    return d.db.Update(func(tx *bolt.Tx) error {
        b := tx.Bucket(bucketSnapshots)
        for _, v := range versions {
            if err := b.Delete(u64(v)); err != nil { return err }
        }
        return nil
    })
}
