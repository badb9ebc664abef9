package model

import "time"

// SystemState is the process-wide singleton owned by the supervisor.
// Every mutation goes through the supervisor and is persisted synchronously;
// components never write it directly.
type SystemState struct {
	Status           SystemStatus
	Autonomy         AutonomyLevel
	HealthScore      int // [0,100]
	PerformanceIndex int // [0,100]

	BuildsCompleted        int
	BuildsFailed           int
	DeploymentsCompleted   int
	OptimizationsPerformed int
	SelfHealingActions     int
	LearningIterations     int

	LastHealthCheckAt  time.Time
	LastOptimizationAt time.Time
	LastDeploymentAt   time.Time
}

// NewSystemState returns the initial state used when no persisted state
// exists or the persisted copy is unreadable.
func NewSystemState(autonomy AutonomyLevel) *SystemState {
	return &SystemState{
		Status:           SystemInitializing,
		Autonomy:         autonomy,
		HealthScore:      100,
		PerformanceIndex: 100,
	}
}
