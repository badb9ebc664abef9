package model

type Action string

const (
	ActionEmergencyHeal         Action = "emergency_heal"
	ActionOptimizeResources     Action = "optimize_resources"
	ActionPreventiveMaintenance Action = "preventive_maintenance"
	ActionProceedWithBuild      Action = "proceed_with_build"
	ActionProceedWithDeployment Action = "proceed_with_deployment"
	ActionDiagnosticAndRepair   Action = "diagnostic_and_repair"
	ActionNormalOperation       Action = "normal_operation"
)

// Decision is the outcome of one decision cycle. Ephemeral: logged and
// dispatched, never persisted.
type Decision struct {
	Action      Action
	Confidence  float64 // [0,1]
	Reason      string
	HealthScore int
}
