package validator

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/akashicloud/terracotta-platform/pkg/cfgerr"
    "github.com/akashicloud/terracotta-platform/pkg/model"
)

func node(i, j int) model.Node {
    return model.Node{
        UID:       model.NewUID(),
        Name:      "node-" + itoa(i) + "-" + itoa(j),
        Hostname:  "localhost",
        Port:      9400 + i*100 + j*10,
        GroupPort: 9405 + i*100 + j*10,
        DataDirs:  map[string]string{"main": "user-data/main/stripe" + itoa(i)},
    }
}

func itoa(i int) string { return string(rune('0' + i)) }

func base() *model.Cluster {
    c := model.NewCluster("tc", node(1, 1))
    c.Stripes[0].Nodes = append(c.Stripes[0].Nodes, node(1, 2))
    c.Stripes = append(c.Stripes, model.Stripe{UID: model.NewUID(), Nodes: []model.Node{node(2, 1)}})
    c.Offheap = map[string]model.Memory{"main": model.MustMemory("512MB"), "foo": model.MustMemory("1GB")}
    c.License = &model.License{OffheapLimit: model.MustMemory("5GB")}
    return c
}

func requireRejected(t *testing.T, err error, reason string) {
    t.Helper()
    require.Error(t, err)
    assert.Equal(t, cfgerr.KindValidation, cfgerr.KindOf(err))
    assert.Contains(t, cfgerr.Reason(err), reason)
}

func TestValidate_AcceptsBase(t *testing.T) {
    b := base()
    require.NoError(t, New(nil, false).Validate(b))
    require.NoError(t, New(b, true).Validate(b.Clone()))
}

func TestCheckIDs(t *testing.T) {
    b := base()
    requireRejected(t, CheckStripeID(b, 3), "Specified stripe id: 3, but cluster contains: 2 stripe(s) only")
    requireRejected(t, CheckNodeID(b, 2, 2), "Specified node id: 2, but stripe 2 contains: 1 node(s) only")
    requireRejected(t, CheckNodeID(b, 5, 1), "Specified stripe id: 5")
    assert.NoError(t, CheckNodeID(b, 1, 2))
}

func TestValidate_DuplicateNames(t *testing.T) {
    c := base()
    c.Stripes[1].Nodes[0].Name = c.Stripes[0].Nodes[0].Name
    requireRejected(t, New(nil, false).Validate(c), "Found duplicate node name")
    c = base()
    c.Stripes[1].Nodes[0].UID = c.Stripes[0].Nodes[1].UID
    requireRejected(t, New(nil, false).Validate(c), "Found duplicate node UID")
    c = base()
    c.Stripes[1].Nodes = nil
    requireRejected(t, New(nil, false).Validate(c), "Stripe 2 must contain at least one node")
}

func TestValidate_OffheapDownsize(t *testing.T) {
    b := base()
    c := b.Clone()
    c.Offheap["main"] = model.MustMemory("256MB")
    requireRejected(t, New(b, true).Validate(c), "offheap-resources.main should be larger than the old size")
    // not activated: free to shrink
    require.NoError(t, New(b, false).Validate(c))

    c = b.Clone()
    c.Offheap["main"] = model.MustMemory("1GB")
    c.Offheap["second"] = model.MustMemory("1GB")
    require.NoError(t, New(b, true).Validate(c))

    c = b.Clone()
    delete(c.Offheap, "foo")
    requireRejected(t, New(b, true).Validate(c), "cannot be removed")
}

func TestValidate_OffheapLicense(t *testing.T) {
    b := base()
    c := b.Clone()
    c.Offheap["main"] = model.MustMemory("10TB")
    requireRejected(t, New(b, true).Validate(c), "not within the license limits")
}

func TestValidate_DataDirs(t *testing.T) {
    b := base()

    c := b.Clone()
    c.Stripes[0].Nodes[0].DataDirs["main"] = "user-data/main/stripe1-node1-data-dir-1"
    requireRejected(t, New(b, true).Validate(c), "A data directory with name: main already exists")
    require.NoError(t, New(b, false).Validate(c), "pre-activation rename is allowed")

    c = b.Clone()
    c.Stripes[0].Nodes[0].DataDirs["second"] = "user-data/main/stripe1/sub"
    requireRejected(t, New(b, true).Validate(c), "overlaps with the existing data directory")

    c = b.Clone()
    c.Stripes[0].Nodes[0].DataDirs["second"] = "user-data/second"
    c.Stripes[0].Nodes[0].DataDirs["third"] = "user-data/second"
    requireRejected(t, New(b, true).Validate(c), "overlaps with the existing data directory")

    c = b.Clone()
    c.Stripes[0].Nodes[0].DataDirs["second"] = "user-data/second"
    c.Stripes[0].Nodes[0].DataDirs["third"] = "user-data/third"
    require.NoError(t, New(b, true).Validate(c))

    c = b.Clone()
    delete(c.Stripes[0].Nodes[1].DataDirs, "main")
    requireRejected(t, New(b, true).Validate(c), "cannot be removed")
}

func TestValidate_DataDirsAcrossNodes(t *testing.T) {
    b := base()
    c := b.Clone()
    c.Stripes[0].Nodes[0].DataDirs["abs"] = "/var/data/shared"
    c.Stripes[1].Nodes[0].DataDirs["abs"] = "/var/data/shared/x"
    requireRejected(t, New(b, true).Validate(c), "overlaps")

    c.Stripes[1].Nodes[0].Hostname = "other-host"
    require.NoError(t, New(b, false).Validate(c))
}

func TestValidate_Addresses(t *testing.T) {
    c := base()
    c.Stripes[1].Nodes[0].Port = c.Stripes[0].Nodes[0].GroupPort
    requireRejected(t, New(nil, false).Validate(c), "Found duplicate address")
    c = base()
    c.Stripes[0].Nodes[0].Port = 0
    requireRejected(t, New(nil, false).Validate(c), "invalid port")
}

func TestValidate_Immutable(t *testing.T) {
    b := base()
    c := b.Clone()
    c.Stripes[0].Nodes[0].GroupPort = 9999
    requireRejected(t, New(b, true).Validate(c), "'node-group-port'")
    require.NoError(t, New(b, false).Validate(c))
}

func TestValidate_Security(t *testing.T) {
    b := base()
    c := b.Clone()
    c.SecurityAuthc = "file"
    requireRejected(t, New(b, true).Validate(c), "security-dir is mandatory")
    for i := range c.Stripes {
        for j := range c.Stripes[i].Nodes { c.Stripes[i].Nodes[j].SecurityDir = "security-root-dir" }
    }
    require.NoError(t, New(b, true).Validate(c))

    b2 := c.Clone()
    d := b2.Clone()
    d.Stripes[0].Nodes[0].SecurityDir = "other"
    requireRejected(t, New(b2, true).Validate(d), "can only be set once")

    d = b2.Clone()
    d.SecurityAuthc = "kerberos"
    requireRejected(t, New(b2, true).Validate(d), "security-authc should be one of")
}

func TestValidate_PriorityOrder(t *testing.T) {
    b := base()
    c := b.Clone()
    c.Offheap["main"] = model.MustMemory("1MB")
    c.Stripes[0].Nodes[0].DataDirs["main"] = "elsewhere"
    // data directory checks run before offheap checks
    requireRejected(t, New(b, true).Validate(c), "already exists")
}
