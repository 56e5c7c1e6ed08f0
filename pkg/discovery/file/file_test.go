package file

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestEnvOverridesFile(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    require.NoError(t, os.WriteFile(f, []byte("host1:9440\n"), 0o644))
    t.Setenv("TEST_GOSSIP_SEEDS", "host9:9440,host8:9440")

    d := New(Options{Path: f, Env: "TEST_GOSSIP_SEEDS", Refresh: 5 * time.Millisecond})
    assert.Equal(t, []string{"host8:9440", "host9:9440"}, d.Seeds())
}

func TestFileReadAndRefresh(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    require.NoError(t, os.WriteFile(f, []byte("# gossip seeds\nhost1:9440\nhost2:9440,host1:9440\n"), 0o644))

    d := New(Options{Path: f, Env: "TEST_GOSSIP_SEEDS_UNSET", Refresh: 10 * time.Millisecond})
    assert.Equal(t, []string{"host1:9440", "host2:9440"}, d.Seeds())

    require.NoError(t, os.WriteFile(f, []byte("host2:9440\nhost3:9440\n"), 0o644))
    time.Sleep(15 * time.Millisecond)
    assert.Equal(t, []string{"host2:9440", "host3:9440"}, d.Seeds())
}

func TestGlobMergesFiles(t *testing.T) {
    dir := t.TempDir()
    require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("host1:9440\nhost2:9440\n"), 0o644))
    require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("host2:9440\nhost3:9440\n"), 0o644))

    d := New(Options{Path: filepath.Join(dir, "*.txt"), Env: "TEST_GOSSIP_SEEDS_UNSET"})
    assert.Equal(t, []string{"host1:9440", "host2:9440", "host3:9440"}, d.Seeds())
}
