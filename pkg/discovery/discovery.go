// Package discovery supplies the gossip seeds a node joins at startup and
// whenever it finds itself alone.
package discovery

import (
    "sort"
    "strings"
)

// Discovery returns gossip seeds as host:port.
type Discovery interface {
    Seeds() []string
}

// Func adapts a function to Discovery.
type Func func() []string

func (f Func) Seeds() []string { return f() }

// Merge unions the seeds of every source, sorted and without duplicates.
func Merge(ds ...Discovery) Discovery {
    return Func(func() []string {
        var all []string
        for _, d := range ds {
            if d != nil { all = append(all, d.Seeds()...) }
        }
        return Normalize(all)
    })
}

// Normalize trims, drops empties, de-duplicates and sorts seeds.
func Normalize(seeds []string) []string {
    set := make(map[string]struct{}, len(seeds))
    out := make([]string, 0, len(seeds))
    for _, s := range seeds {
        s = strings.TrimSpace(s)
        if s == "" { continue }
        if _, ok := set[s]; ok { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    if len(out) == 0 { return nil }
    return out
}
