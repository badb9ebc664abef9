package model

import "fmt"

type BuildStatus string

const (
	StatusPending   BuildStatus = "pending"
	StatusRunning   BuildStatus = "running"
	StatusSucceeded BuildStatus = "succeeded"
	StatusFailed    BuildStatus = "failed"
)

// Build lifecycle: pending → running → {succeeded, failed}.
// failed → pending is the automatic retry re-enqueue; the one-retry cap
// itself is enforced by the orchestrator, not the transition table.
var validBuildTransitions = map[BuildStatus]map[BuildStatus]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusPending: true,
	},
}

func IsBuildTerminal(s BuildStatus) bool {
	return s == StatusSucceeded
}

func ValidateBuildTransition(from, to BuildStatus) error {
	if IsBuildTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validBuildTransitions[from]
	if !ok {
		return fmt.Errorf("unknown build status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid build transition: %q → %q", from, to)
	}
	return nil
}

type SystemStatus string

const (
	SystemInitializing SystemStatus = "initializing"
	SystemIdle         SystemStatus = "idle"
	SystemBuilding     SystemStatus = "building"
	SystemStopped      SystemStatus = "stopped"
)

type AutonomyLevel string

const (
	AutonomyLimited    AutonomyLevel = "limited"
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomyFull       AutonomyLevel = "full"
)

func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch AutonomyLevel(s) {
	case AutonomyLimited, AutonomySupervised, AutonomyFull:
		return AutonomyLevel(s), nil
	}
	return "", fmt.Errorf("invalid autonomy level %q (want limited|supervised|full)", s)
}
