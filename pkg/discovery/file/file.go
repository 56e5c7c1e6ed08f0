// Package file reads seeds from a file (or glob) and lets an environment
// variable override it. The file is re-read when it changes or when the
// cached copy is older than Refresh.
package file

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/akashicloud/terracotta-platform/pkg/discovery"
)

// DefaultEnv overrides the file when set.
const DefaultEnv = "DYNCONFIG_GOSSIP_SEEDS"

type Options struct {
    // Path holds one seed per line or comma-separated lists; # starts a
    // comment. Glob patterns merge every matching file.
    Path string
    // Env names the overriding variable, DefaultEnv when empty.
    Env string
    // Refresh defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Env == "" { opts.Env = DefaultEnv }
    return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
    i.mu.Lock(); defer i.mu.Unlock()
    if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
        return discovery.Normalize(strings.Split(v, ","))
    }
    if i.opts.Path == "" { return nil }
    now := time.Now()
    if stat, err := os.Stat(i.opts.Path); err == nil {
        if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            i.cache, i.last, i.mtime = loadFile(i.opts.Path), now, stat.ModTime()
        }
        return append([]string(nil), i.cache...)
    }
    if matches, _ := filepath.Glob(i.opts.Path); len(matches) > 0 {
        var all []string
        for _, m := range matches { all = append(all, loadFile(m)...) }
        i.cache, i.last = discovery.Normalize(all), now
    }
    return append([]string(nil), i.cache...)
}

func loadFile(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var seeds []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, strings.Split(line, ",")...)
    }
    if s.Err() != nil { return nil }
    return discovery.Normalize(seeds)
}
