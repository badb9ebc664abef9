package model

import "time"

type BuildReason string

const (
	ReasonManual           BuildReason = "manual"
	ReasonFileChange       BuildReason = "file_change"
	ReasonDependencyChange BuildReason = "dependency_change"
	ReasonTestFailure      BuildReason = "test_failure"
	ReasonScheduled        BuildReason = "scheduled"
	ReasonRetry            BuildReason = "retry"
)

var validReasons = map[BuildReason]bool{
	ReasonManual:           true,
	ReasonFileChange:       true,
	ReasonDependencyChange: true,
	ReasonTestFailure:      true,
	ReasonScheduled:        true,
	ReasonRetry:            true,
}

func ValidReason(r BuildReason) bool {
	return validReasons[r]
}

type BuildPriority string

const (
	PriorityHigh   BuildPriority = "high"
	PriorityNormal BuildPriority = "normal"
	PriorityLow    BuildPriority = "low"
)

// PriorityFor derives the recorded priority from the trigger reason.
// Priority is observability metadata only: the queue remains strictly FIFO
// and never reorders on it.
func PriorityFor(reason BuildReason) BuildPriority {
	switch reason {
	case ReasonManual, ReasonDependencyChange, ReasonTestFailure:
		return PriorityHigh
	case ReasonScheduled:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// BuildRequest is one entry in the durable build queue.
type BuildRequest struct {
	ID         string
	Reason     BuildReason
	Priority   BuildPriority
	EnqueuedAt time.Time
	Status     BuildStatus
}

// BuildRecord is one append-only history entry for a completed build.
type BuildRecord struct {
	RequestID string
	Reason    BuildReason
	StartedAt time.Time
	ExitCode  int
	Duration  time.Duration
	LogPath   string
}

// BuildStats summarizes the retained build history for the decision engine.
type BuildStats struct {
	Total       int
	Succeeded   int
	Failed      int
	SuccessRate float64 // [0,100]; 100 when no history exists yet
	QueueDepth  int
	DeployReady bool
}
