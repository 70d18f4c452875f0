package store

import "fmt"

// Redis key layout for the ephemeral store. These keys are reconstructible:
// anything lost to a store restart is recovered from the durable store by
// the reaper.
const (
	// RunningSetKey is the set of evaluation ids currently holding slots.
	RunningSetKey = "crucible:running_evaluations"
)

// PendingKey marks an evaluation between queue-admit and provisioning.
func PendingKey(id string) string {
	return fmt.Sprintf("crucible:pending:%s", id)
}

// RunningKey holds the RunningRecord for an evaluation.
func RunningKey(id string) string {
	return fmt.Sprintf("crucible:eval:%s:running", id)
}

// LogsKey holds the bounded ring buffer of recent sandbox output.
func LogsKey(id string) string {
	return fmt.Sprintf("crucible:logs:%s:latest", id)
}

// SeqKey holds the per-evaluation monotonic event sequence counter.
func SeqKey(id string) string {
	return fmt.Sprintf("crucible:seq:%s", id)
}

// CancelKey flags an evaluation as cancel-requested; the watcher consults
// it to distinguish a user cancel from a system kill.
func CancelKey(id string) string {
	return fmt.Sprintf("crucible:cancel:%s", id)
}

// LockKey names a distributed lock (the reaper uses one to ensure a single
// sweeper across instances).
func LockKey(name string) string {
	return fmt.Sprintf("crucible:lock:%s", name)
}
