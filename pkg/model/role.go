package model

// Role is the replication role a node reports.
type Role string

const (
    RoleActive     Role = "ACTIVE"
    RolePassive    Role = "PASSIVE"
    // RoleBlocked is a leaderless node that refuses to promote itself under
    // the consistency failover priority.
    RoleBlocked    Role = "BLOCKED"
    RoleDiagnostic Role = "DIAGNOSTIC"
    RoleStarting   Role = "STARTING"
)

// Settled reports whether the role is ACTIVE or PASSIVE.
func (r Role) Settled() bool { return r == RoleActive || r == RolePassive }
