package types

import "strings"

// Slurm job states as reported by the Superfacility API
type SlurmState string

const (
	SlurmPending     SlurmState = "PENDING"
	SlurmRunning     SlurmState = "RUNNING"
	SlurmCompleted   SlurmState = "COMPLETED"
	SlurmFailed      SlurmState = "FAILED"
	SlurmDeadline    SlurmState = "DEADLINE"
	SlurmTimeout     SlurmState = "TIMEOUT"
	SlurmCancelled   SlurmState = "CANCELLED"
	SlurmNodeFail    SlurmState = "NODE_FAIL"
	SlurmOutOfMemory SlurmState = "OUT_OF_MEMORY"
	SlurmPreempted   SlurmState = "PREEMPTED"
)

var terminalSlurmStates = []SlurmState{
	SlurmCompleted,
	SlurmFailed,
	SlurmDeadline,
	SlurmTimeout,
	SlurmCancelled,
	SlurmNodeFail,
	SlurmOutOfMemory,
	SlurmPreempted,
}

// IsTerminalSlurmState reports whether polling should stop for a state.
// Matches on prefix because sacct decorates some states, e.g.
// "CANCELLED by 12345".
func IsTerminalSlurmState(state string) bool {
	upper := strings.ToUpper(strings.TrimSpace(state))
	for _, terminal := range terminalSlurmStates {
		if strings.HasPrefix(upper, string(terminal)) {
			return true
		}
	}
	return false
}

// NormalizeSlurmState folds infrastructure failure states into FAILED
// so downstream status handling only sees the common vocabulary.
func NormalizeSlurmState(state string) SlurmState {
	upper := SlurmState(strings.ToUpper(strings.TrimSpace(state)))
	switch upper {
	case SlurmNodeFail, SlurmOutOfMemory, SlurmPreempted:
		return SlurmFailed
	default:
		if strings.HasPrefix(string(upper), string(SlurmCancelled)) {
			return SlurmCancelled
		}
		return upper
	}
}

// TaskState is the lifecycle of an asynchronous Superfacility task
type TaskState string

const (
	TaskNew       TaskState = "new"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)
