package change

import (
    "strings"
    "time"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
    "github.com/akashicloud/terracotta-platform/pkg/setting"
)

// SettingMutation applies set and unset edits in request order. Later edits
// of the same key overwrite earlier ones; the merged result is validated as
// one unit by the caller.
type SettingMutation struct {
    Edits []setting.Configuration `json:"edits"`
}

func (m *SettingMutation) Type() Type                 { return TypeSettings }
func (m *SettingMutation) Precondition() Precondition { return AnyState }

func (m *SettingMutation) Summary() string {
    parts := make([]string, 0, len(m.Edits))
    for _, e := range m.Edits { parts = append(parts, string(e.Op)+" "+e.String()) }
    return strings.Join(parts, ", ")
}

func (m *SettingMutation) Apply(base *model.Cluster) (*model.Cluster, error) {
    if len(m.Edits) == 0 { return nil, cfgerr.Validation("No setting to change") }
    out := base.Clone()
    for _, e := range m.Edits {
        if e.Op != setting.OpSet && e.Op != setting.OpUnset {
            return nil, cfgerr.Validation("Invalid input: '%s'. Reason: operation %q cannot change the configuration", e.Raw, e.Op)
        }
        if err := setting.Apply(out, e); err != nil { return nil, err }
    }
    return out, nil
}

func (m *SettingMutation) Stripes(base *model.Cluster) []int { return allStripes(base) }

// ClusterActivation names the cluster, installs its license and switches it
// to the activated state.
type ClusterActivation struct {
    Name    string         `json:"name,omitempty"`
    License *model.License `json:"license,omitempty"`
}

func (a *ClusterActivation) Type() Type                 { return TypeActivation }
func (a *ClusterActivation) Precondition() Precondition { return RequiresNoActivation }

func (a *ClusterActivation) Summary() string {
    if a.Name == "" { return "Activating cluster" }
    return "Activating cluster: " + a.Name
}

func (a *ClusterActivation) Apply(base *model.Cluster) (*model.Cluster, error) {
    out := base.Clone()
    if a.Name != "" { out.Name = a.Name }
    if out.Name == "" { return nil, cfgerr.Validation("Cluster name is required for activation") }
    if a.License.Expired(time.Now()) {
        return nil, cfgerr.Validation("License expired on %s", a.License.Expiry.UTC().Format(time.RFC3339))
    }
    if a.License != nil { l := *a.License; out.License = &l }
    return out, nil
}

func (a *ClusterActivation) Stripes(base *model.Cluster) []int { return allStripes(base) }
