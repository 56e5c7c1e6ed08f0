package coordinator

import "github.com/akashicloud/terracotta-platform/pkg/model"

// RoleSource reports the replication role of the local node.
type RoleSource interface {
    Role(c *model.Cluster, activated bool) model.Role
}

// RoleFunc adapts a function to RoleSource.
type RoleFunc func(c *model.Cluster, activated bool) model.Role

func (f RoleFunc) Role(c *model.Cluster, activated bool) model.Role { return f(c, activated) }

// StaticRoles reports ACTIVE once the cluster is activated and DIAGNOSTIC
// before. It stands in when no replication group runs.
type StaticRoles struct{}

func (StaticRoles) Role(_ *model.Cluster, activated bool) model.Role {
    if activated { return model.RoleActive }
    return model.RoleDiagnostic
}
