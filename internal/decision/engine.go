package decision

import (
	"fmt"

	"github.com/mpaterson/autobuild/internal/model"
)

// Inputs carries everything Decide needs; the engine itself holds no mutable
// state beyond its strategy, so decisions are reproducible from the inputs.
type Inputs struct {
	Snapshot       model.ResourceSnapshot
	Stats          model.BuildStats
	ReadinessScore int
	ReadinessGate  int
}

// Engine ranks the possible actions for the current cycle. It never returns
// an error: inputs it cannot interpret degrade to normal_operation with low
// confidence.
type Engine struct {
	cfg      model.Config
	strategy ScoringStrategy
}

func NewEngine(cfg model.Config, strategy ScoringStrategy) *Engine {
	if strategy == nil {
		strategy = NewFixedStrategy(cfg.Thresholds)
	}
	return &Engine{cfg: cfg, strategy: strategy}
}

// Strategy returns the engine's scoring strategy, for learning feedback.
func (e *Engine) Strategy() ScoringStrategy { return e.strategy }

const (
	healthCritical = 30
	healthWarning  = 60
)

// Decide evaluates the rules in fixed priority order: emergency healing,
// resource optimization, preventive maintenance, then the productive actions.
func (e *Engine) Decide(in Inputs) model.Decision {
	if in.Snapshot.Timestamp.IsZero() {
		return model.Decision{
			Action:      model.ActionNormalOperation,
			Confidence:  0.3,
			Reason:      "no resource snapshot available",
			HealthScore: 100,
		}
	}

	health := e.strategy.HealthScore(in.Snapshot, in.Stats)
	th := e.cfg.Thresholds

	if health < healthCritical {
		return model.Decision{
			Action:      model.ActionEmergencyHeal,
			Confidence:  0.95,
			Reason:      fmt.Sprintf("health score %d below critical %d", health, healthCritical),
			HealthScore: health,
		}
	}

	if over := overutilized(th, in.Snapshot); over != "" {
		return model.Decision{
			Action:      model.ActionOptimizeResources,
			Confidence:  0.85,
			Reason:      fmt.Sprintf("%s above overutilization threshold %.0f%%", over, th.Overutilization),
			HealthScore: health,
		}
	}

	if health < healthWarning {
		return model.Decision{
			Action:      model.ActionPreventiveMaintenance,
			Confidence:  0.75,
			Reason:      fmt.Sprintf("health score %d below warning %d", health, healthWarning),
			HealthScore: health,
		}
	}

	if in.Stats.QueueDepth > 0 && in.ReadinessScore >= in.ReadinessGate {
		return model.Decision{
			Action:      model.ActionProceedWithBuild,
			Confidence:  0.9,
			Reason:      fmt.Sprintf("%d build(s) queued, readiness %d", in.Stats.QueueDepth, in.ReadinessScore),
			HealthScore: health,
		}
	}

	if in.Stats.DeployReady && in.Stats.SuccessRate > 90 {
		return model.Decision{
			Action:      model.ActionProceedWithDeployment,
			Confidence:  0.8,
			Reason:      fmt.Sprintf("deployment ready, success rate %.0f%%", in.Stats.SuccessRate),
			HealthScore: health,
		}
	}

	return model.Decision{
		Action:      model.ActionNormalOperation,
		Confidence:  0.6,
		Reason:      "no action required",
		HealthScore: health,
	}
}

func overutilized(th model.ThresholdConfig, s model.ResourceSnapshot) string {
	switch {
	case s.CPUPct > th.Overutilization:
		return "cpu"
	case s.MemoryPct > th.Overutilization:
		return "memory"
	case s.DiskPct > th.Overutilization:
		return "disk"
	}
	return ""
}
