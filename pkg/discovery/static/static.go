// Package static serves a fixed seed list, typically from the command line.
package static

import (
    "strings"

    "github.com/akashicloud/terracotta-platform/pkg/discovery"
)

type staticSeeds struct {
    seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New keeps the non-blank seeds in the order given.
func New(seeds ...string) discovery.Discovery {
    cleaned := make([]string, 0, len(seeds))
    for _, v := range seeds {
        if v = strings.TrimSpace(v); v != "" { cleaned = append(cleaned, v) }
    }
    return &staticSeeds{seeds: cleaned}
}

// Parse splits a comma-separated list.
func Parse(csv string) []string {
    if csv == "" { return nil }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}
