package worker

import "time"

// State is a worker's position in its task lifecycle:
// Started -> {Running, Renewing} -> {Completed, Failed, LockLost, Abandoned}.
type State string

const (
	Started   State = "started"
	Running   State = "running"
	Renewing  State = "renewing"
	Completed State = "completed"
	Failed    State = "failed"
	LockLost  State = "lock_lost"
	// Abandoned means the client stopped waiting for the handler during
	// shutdown. Nothing was reported; the endpoint reclaims the task once
	// its lock expires.
	Abandoned State = "abandoned"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, LockLost, Abandoned:
		return true
	}
	return false
}

// Outcome summarizes a finished worker.
type Outcome struct {
	TaskID string
	State  State
	// Result is the handler's return value when it returned normally.
	Result any
	// Err is the handler error for Failed, or the lease error for LockLost.
	Err error
	// Reported is true when the complete or fail call was acknowledged.
	Reported bool
	Elapsed  time.Duration
}
