package health

// TableIndexState is what TableIndexCheck reads from a table index.
type TableIndexState interface {
	TableCount() int
	IsBackgroundTaskRunning() bool
	BackgroundError() error
}

// TableIndexCheck is unhealthy once a flush or merge has failed and
// degraded while more than maxTables tables are waiting to be merged.
func TableIndexCheck(ti TableIndexState, maxTables int) CheckFunc {
	return func() Check {
		tables := ti.TableCount()
		check := Check{
			Name: "table_index",
			Details: map[string]any{
				"tables":            tables,
				"background_active": ti.IsBackgroundTaskRunning(),
			},
		}

		switch err := ti.BackgroundError(); {
		case err != nil:
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		case maxTables > 0 && tables > maxTables:
			check.Status = StatusDegraded
			check.Message = "Merge backlog"
		default:
			check.Status = StatusHealthy
		}
		return check
	}
}

// LagCheck compares an indexed position with the end of the log. It is
// degraded once the gap exceeds maxLag bytes and unhealthy if the indexed
// position is past the end of the log.
func LagCheck(name string, indexed, logEnd func() int64, maxLag int64) CheckFunc {
	return func() Check {
		pos, end := indexed(), logEnd()
		lag := end - max(pos, 0)
		check := Check{
			Name: name,
			Details: map[string]any{
				"position": pos,
				"log_end":  end,
				"lag":      lag,
			},
		}

		switch {
		case pos >= end && end > 0:
			check.Status = StatusUnhealthy
			check.Message = "Ahead of the transaction log"
		case maxLag > 0 && lag > maxLag:
			check.Status = StatusDegraded
			check.Message = "Behind the transaction log"
		default:
			check.Status = StatusHealthy
		}
		return check
	}
}

// RebuildCheck is degraded while the committer is still replaying the log.
func RebuildCheck(isRebuilding func() bool) CheckFunc {
	return func() Check {
		if isRebuilding() {
			return Check{Name: "committer", Status: StatusDegraded, Message: "Rebuilding"}
		}
		return Check{Name: "committer", Status: StatusHealthy}
	}
}
