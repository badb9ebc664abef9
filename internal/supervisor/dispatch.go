package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/mpaterson/autobuild/internal/decision"
	"github.com/mpaterson/autobuild/internal/events"
	"github.com/mpaterson/autobuild/internal/model"
	"github.com/mpaterson/autobuild/internal/orchestrator"
)

// decisionCycle runs one sample → decide → dispatch → persist round and
// returns the decision it dispatched.
func (s *Supervisor) decisionCycle(ctx context.Context) model.Decision {
	snap := s.mon.Latest()
	score, _ := s.mon.ReadinessScore(snap)

	stats := s.orch.Stats()
	s.mu.Lock()
	stats.DeployReady = s.deployReady
	s.mu.Unlock()

	d := s.engine.Decide(decision.Inputs{
		Snapshot:       snap,
		Stats:          stats,
		ReadinessScore: score,
		ReadinessGate:  s.cfg.Build.ReadinessGate,
	})

	s.log.Infof("decision action=%s confidence=%.2f health=%d reason=%q",
		d.Action, d.Confidence, d.HealthScore, d.Reason)
	s.bus.Publish(events.EventDecisionMade, map[string]interface{}{
		"action":     string(d.Action),
		"confidence": d.Confidence,
		"health":     d.HealthScore,
	})

	s.mu.Lock()
	s.state.HealthScore = d.HealthScore
	s.state.PerformanceIndex = performanceIndex(d.HealthScore, stats.SuccessRate)
	s.state.LastHealthCheckAt = time.Now().UTC()
	s.mu.Unlock()

	s.dispatch(ctx, d)
	s.saveState()
	return d
}

// dispatch executes the decided action, subject to the autonomy gate:
// destructive actions run automatically only at full autonomy and are
// otherwise logged as recommendations.
func (s *Supervisor) dispatch(ctx context.Context, d model.Decision) {
	autonomy := s.StateSnapshot().Autonomy

	switch d.Action {
	case model.ActionEmergencyHeal:
		if autonomy != model.AutonomyFull {
			s.log.Warnf("recommend emergency heal (health=%d); autonomy=%s blocks automatic execution",
				d.HealthScore, autonomy)
			s.notifier.Notify("heal recommended",
				fmt.Sprintf("health score %d; run 'autobuild heal' to intervene", d.HealthScore))
			return
		}
		if err := s.heal(ctx); err != nil {
			s.log.Errorf("emergency heal: %v", err)
		}

	case model.ActionOptimizeResources:
		if autonomy == model.AutonomyLimited {
			s.log.Infof("recommend resource optimization; autonomy=limited blocks automatic execution")
			return
		}
		s.optimize()

	case model.ActionPreventiveMaintenance, model.ActionDiagnosticAndRepair:
		if autonomy == model.AutonomyLimited {
			s.log.Infof("recommend preventive maintenance; autonomy=limited blocks automatic execution")
			return
		}
		s.maintain(ctx)

	case model.ActionProceedWithBuild:
		s.orch.Tick(s.ctx)

	case model.ActionProceedWithDeployment:
		if err := s.deploy(ctx); err != nil {
			s.log.Errorf("deployment: %v", err)
		}

	case model.ActionNormalOperation:
		// Nothing to do.
	}
}

// heal is the emergency recovery path: snapshot manifests, reclaim
// resources, and settle dependency conflicts. Always backs up before
// touching anything.
func (s *Supervisor) heal(ctx context.Context) error {
	s.log.Warnf("emergency heal starting")

	if err := s.deps.Backup(); err != nil {
		s.log.Warnf("pre-heal backup: %v", err)
	}

	snap := s.mon.Latest()
	s.mon.Optimize(snap)

	for _, eco := range s.deps.Detect() {
		if _, err := s.deps.ResolveConflicts(eco); err != nil {
			s.log.Warnf("resolve conflicts for %s: %v", eco, err)
		}
	}

	s.mu.Lock()
	s.state.SelfHealingActions++
	s.state.LastOptimizationAt = time.Now().UTC()
	s.mu.Unlock()
	s.saveState()

	s.bus.Publish(events.EventHealPerformed, map[string]interface{}{
		"health": s.StateSnapshot().HealthScore,
	})
	s.notifier.Notify("emergency heal", "self-healing actions executed")
	return nil
}

// optimize runs the monitor's best-effort remediation hooks.
func (s *Supervisor) optimize() {
	snap := s.mon.Latest()
	s.mon.Optimize(snap)

	s.mu.Lock()
	s.state.OptimizationsPerformed++
	s.state.LastOptimizationAt = time.Now().UTC()
	s.mu.Unlock()
	s.saveState()
}

// maintain handles the preventive path: refresh dependencies and scan for
// vulnerabilities. Update failures are logged, never fatal.
func (s *Supervisor) maintain(ctx context.Context) {
	for _, eco := range s.deps.Detect() {
		if err := s.deps.Update(ctx, eco); err != nil {
			s.log.Warnf("dependency update for %s: %v", eco, err)
		}
		if _, err := s.deps.SecurityScan(ctx, eco); err != nil {
			s.log.Warnf("security scan for %s: %v", eco, err)
		}
	}

	s.mu.Lock()
	s.state.OptimizationsPerformed++
	s.state.LastOptimizationAt = time.Now().UTC()
	s.mu.Unlock()
	s.saveState()
}

// deploy runs the configured deploy command once and clears the ready flag.
func (s *Supervisor) deploy(ctx context.Context) error {
	command := s.cfg.Build.DeployCommand
	if command == "" {
		s.log.Warnf("deployment requested but no deploy command configured")
		s.clearDeployReady()
		return nil
	}

	s.log.Infof("deploying: %s", command)
	code, err := orchestrator.RunShell(ctx, s.cfg.Project.Root, command)
	if err != nil {
		return fmt.Errorf("deploy command: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("deploy command exited with code %d", code)
	}

	s.mu.Lock()
	s.deployReady = false
	s.state.DeploymentsCompleted++
	s.state.LastDeploymentAt = time.Now().UTC()
	s.mu.Unlock()
	s.saveState()

	s.notifier.Notify("deployment complete", command)
	return nil
}

func (s *Supervisor) clearDeployReady() {
	s.mu.Lock()
	s.deployReady = false
	s.mu.Unlock()
}

// performanceIndex blends health with the build success rate into the
// [0,100] index persisted in state.
func performanceIndex(health int, successRate float64) int {
	idx := int(0.5*float64(health) + 0.5*successRate)
	if idx < 0 {
		return 0
	}
	if idx > 100 {
		return 100
	}
	return idx
}
