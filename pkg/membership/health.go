package membership

// HealthReporter is implemented by memberships that track their own
// awareness. Higher is worse; -1 means not started.
type HealthReporter interface {
    HealthScore() int
}
