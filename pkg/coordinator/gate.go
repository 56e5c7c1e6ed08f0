package coordinator

import (
    "errors"
    "fmt"
    "sort"
    "strings"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

var errCoordinatorNotPrepared = errors.New("the coordinating node did not prepare the change")

// Gate decides whether a change may commit given the set of node UIDs that
// prepared it. Quorum is evaluated against the configured members of base.
//
// Under availability the coordinator alone is enough. Under consistency
// every stripe in stripes needs a strict majority of its configured
// members, the coordinator included; the extra voters of consistency:N are
// not counted. requireAll overrides both and needs every member.
func Gate(base *model.Cluster, stripes []int, prepared map[string]bool, self string, requireAll bool) error {
    if !prepared[self] { return cfgerr.Consistency("", errCoordinatorNotPrepared) }
    if requireAll {
        var missing []string
        for _, ref := range base.Nodes() {
            if !prepared[ref.UID] { missing = append(missing, ref.Name) }
        }
        if len(missing) > 0 {
            sort.Strings(missing)
            return cfgerr.Consistency("", fmt.Errorf("%w: %s (every node must be online for this change)",
                cfgerr.ErrUnreachable, strings.Join(missing, ", ")))
        }
        return nil
    }
    if !base.FailoverPriority.Consistency { return nil }
    for _, id := range dedupe(stripes) {
        if id < 1 || id > len(base.Stripes) { continue }
        members := base.Stripes[id-1].Nodes
        n := 0
        for _, m := range members {
            if prepared[m.UID] { n++ }
        }
        if n*2 <= len(members) {
            return cfgerr.Consistency("", fmt.Errorf("%w (stripe %d: %d of %d nodes prepared)",
                cfgerr.ErrRolesNotSettled, id, n, len(members)))
        }
    }
    return nil
}

func dedupe(ids []int) []int {
    seen := make(map[int]bool, len(ids))
    out := ids[:0:0]
    for _, id := range ids {
        if seen[id] { continue }
        seen[id] = true
        out = append(out, id)
    }
    sort.Ints(out)
    return out
}
