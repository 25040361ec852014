package scalewatch

import "time"

// RunStatus is the lifecycle state of a test run as recorded by the archive.
type RunStatus uint8

const (
	RunQueued RunStatus = iota + 1
	RunRunning
	RunFinished
	RunAborted
)

func (s RunStatus) String() string {
	switch s {
	case RunQueued:
		return "queued"
	case RunRunning:
		return "running"
	case RunFinished:
		return "finished"
	case RunAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ParseRunStatus is the inverse of RunStatus.String.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch s {
	case "queued":
		return RunQueued, true
	case "running":
		return RunRunning, true
	case "finished":
		return RunFinished, true
	case "aborted":
		return RunAborted, true
	default:
		return 0, false
	}
}

// Active reports whether the run still occupies the backlog.
func (s RunStatus) Active() bool {
	return s == RunQueued || s == RunRunning
}

// RunRecord is a read-only snapshot of a run owned by the archive store.
type RunRecord struct {
	ID          string
	Stream      string
	Status      RunStatus
	SubmittedAt time.Time
}

// Backlog is a point-in-time count of active runs for one stream.
type Backlog struct {
	Queued  int
	Running int
}

// Total returns queued plus running.
func (b Backlog) Total() int {
	return b.Queued + b.Running
}
