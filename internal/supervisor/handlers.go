package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpaterson/autobuild/internal/deps"
	"github.com/mpaterson/autobuild/internal/ipc"
	"github.com/mpaterson/autobuild/internal/model"
)

// statusReport is the payload returned by the status command.
type statusReport struct {
	Status           string  `json:"status"`
	Autonomy         string  `json:"autonomy"`
	HealthScore      int     `json:"health_score"`
	PerformanceIndex int     `json:"performance_index"`
	BuildRunning     bool    `json:"build_running"`
	QueueDepth       int     `json:"queue_depth"`
	SuccessRate      float64 `json:"success_rate"`
	BuildsCompleted  int     `json:"builds_completed"`
	BuildsFailed     int     `json:"builds_failed"`
	CPUPct           float64 `json:"cpu_pct"`
	MemoryPct        float64 `json:"memory_pct"`
	DiskPct          float64 `json:"disk_pct"`
	TemperatureC     float64 `json:"temperature_c"`
	PowerSource      string  `json:"power_source"`
	SnapshotStale    bool    `json:"snapshot_stale"`
}

type buildParams struct {
	Reason string `json:"reason"`
}

type autonomyParams struct {
	Level string `json:"level"`
}

// notReady refuses commands that act on the system while the daemon is still
// initializing or already stopping. Introspection commands (ping, status,
// report) and shutdown stay available in every state.
func (s *Supervisor) notReady() *ipc.Response {
	switch s.StateSnapshot().Status {
	case model.SystemInitializing, model.SystemStopped:
		return ipc.ErrorResponse(ipc.ErrCodeNotReady,
			fmt.Sprintf("daemon is %s, try again shortly", s.StateSnapshot().Status))
	}
	return nil
}

// registerHandlers wires the operator command surface onto the socket server.
func (s *Supervisor) registerHandlers() {
	s.server.Handle("ping", func(req *ipc.Request) *ipc.Response {
		return ipc.SuccessResponse(map[string]string{"status": "ok"})
	})

	s.server.Handle("status", s.handleStatus)
	s.server.Handle("health-check", s.handleHealthCheck)
	s.server.Handle("build", s.handleBuild)
	s.server.Handle("heal", s.handleHeal)
	s.server.Handle("optimize", s.handleOptimize)
	s.server.Handle("report", s.handleReport)
	s.server.Handle("set-autonomy", s.handleSetAutonomy)
	s.server.Handle("deploy", s.handleDeploy)
	s.server.Handle("rollback", s.handleRollback)

	s.server.Handle("shutdown", func(req *ipc.Request) *ipc.Response {
		s.log.Infof("shutdown requested via command socket")
		go s.Shutdown()
		return ipc.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (s *Supervisor) handleStatus(req *ipc.Request) *ipc.Response {
	state := s.StateSnapshot()
	stats := s.orch.Stats()
	snap := s.mon.Latest()

	return ipc.SuccessResponse(statusReport{
		Status:           string(state.Status),
		Autonomy:         string(state.Autonomy),
		HealthScore:      state.HealthScore,
		PerformanceIndex: state.PerformanceIndex,
		BuildRunning:     s.orch.Running(),
		QueueDepth:       stats.QueueDepth,
		SuccessRate:      stats.SuccessRate,
		BuildsCompleted:  state.BuildsCompleted,
		BuildsFailed:     state.BuildsFailed,
		CPUPct:           snap.CPUPct,
		MemoryPct:        snap.MemoryPct,
		DiskPct:          snap.DiskPct,
		TemperatureC:     snap.TemperatureC,
		PowerSource:      string(snap.Power),
		SnapshotStale:    snap.Stale,
	})
}

func (s *Supervisor) handleHealthCheck(req *ipc.Request) *ipc.Response {
	if resp := s.notReady(); resp != nil {
		return resp
	}
	s.mon.Sample()
	d := s.decisionCycle(s.ctx)
	return ipc.SuccessResponse(map[string]interface{}{
		"health_score": d.HealthScore,
		"action":       string(d.Action),
		"confidence":   d.Confidence,
		"reason":       d.Reason,
	})
}

func (s *Supervisor) handleBuild(req *ipc.Request) *ipc.Response {
	if resp := s.notReady(); resp != nil {
		return resp
	}
	params := buildParams{Reason: string(model.ReasonManual)}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
		}
	}

	r, err := s.orch.Enqueue(model.BuildReason(params.Reason))
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	return ipc.SuccessResponse(map[string]string{
		"id":       r.ID,
		"reason":   string(r.Reason),
		"priority": string(r.Priority),
	})
}

// handleHeal runs the heal path on explicit operator request; the autonomy
// gate only constrains automatic execution, not direct commands.
func (s *Supervisor) handleHeal(req *ipc.Request) *ipc.Response {
	if resp := s.notReady(); resp != nil {
		return resp
	}
	if err := s.heal(s.ctx); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	state := s.StateSnapshot()
	return ipc.SuccessResponse(map[string]int{
		"self_healing_actions": state.SelfHealingActions,
	})
}

func (s *Supervisor) handleOptimize(req *ipc.Request) *ipc.Response {
	if resp := s.notReady(); resp != nil {
		return resp
	}
	s.optimize()
	counts := s.mon.RemediationCounts()
	return ipc.SuccessResponse(map[string]int{
		"caches_cleared":     counts.CachesCleared,
		"disk_cleanups":      counts.DiskCleanups,
		"emergency_cleanups": counts.EmergencyCleanups,
	})
}

func (s *Supervisor) handleReport(req *ipc.Request) *ipc.Response {
	state := s.StateSnapshot()
	stats := s.orch.Stats()
	depState := s.deps.State()
	counts := s.mon.RemediationCounts()

	history := s.orch.History()
	recent := make([]map[string]interface{}, 0, len(history))
	for _, rec := range history {
		recent = append(recent, map[string]interface{}{
			"id":         rec.RequestID,
			"reason":     string(rec.Reason),
			"started_at": rec.StartedAt.Format(time.RFC3339),
			"exit_code":  rec.ExitCode,
			"duration_s": int(rec.Duration.Seconds()),
		})
	}

	return ipc.SuccessResponse(map[string]interface{}{
		"state": map[string]interface{}{
			"status":                  string(state.Status),
			"autonomy":                string(state.Autonomy),
			"health_score":            state.HealthScore,
			"performance_index":       state.PerformanceIndex,
			"builds_completed":        state.BuildsCompleted,
			"builds_failed":           state.BuildsFailed,
			"deployments_completed":   state.DeploymentsCompleted,
			"optimizations_performed": state.OptimizationsPerformed,
			"self_healing_actions":    state.SelfHealingActions,
			"learning_iterations":     state.LearningIterations,
		},
		"builds": map[string]interface{}{
			"total":        stats.Total,
			"succeeded":    stats.Succeeded,
			"failed":       stats.Failed,
			"success_rate": stats.SuccessRate,
			"queue_depth":  stats.QueueDepth,
			"recent":       recent,
		},
		"dependencies": map[string]interface{}{
			"ecosystems":            depState.DetectedEcosystems,
			"package_managers":      depState.PackageManagers,
			"vulnerabilities_found": depState.VulnerabilitiesFound,
			"patches_applied":       depState.PatchesApplied,
			"conflicts_resolved":    depState.ConflictsResolved,
			"rollbacks_performed":   depState.RollbacksPerformed,
		},
		"remediations": map[string]int{
			"caches_cleared":     counts.CachesCleared,
			"disk_cleanups":      counts.DiskCleanups,
			"emergency_cleanups": counts.EmergencyCleanups,
		},
	})
}

func (s *Supervisor) handleSetAutonomy(req *ipc.Request) *ipc.Response {
	var params autonomyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
	}
	level, err := model.ParseAutonomyLevel(params.Level)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}

	s.mu.Lock()
	s.state.Autonomy = level
	s.mu.Unlock()
	s.saveState()

	s.log.Infof("autonomy level set to %s", level)
	return ipc.SuccessResponse(map[string]string{"autonomy": string(level)})
}

// handleDeploy arms the deployment flag; the decision cycle performs the
// deployment once the success rate clears the bar.
func (s *Supervisor) handleDeploy(req *ipc.Request) *ipc.Response {
	if resp := s.notReady(); resp != nil {
		return resp
	}
	stats := s.orch.Stats()
	s.mu.Lock()
	s.deployReady = true
	s.mu.Unlock()

	s.log.Infof("deployment armed (success rate %.0f%%)", stats.SuccessRate)
	return ipc.SuccessResponse(map[string]interface{}{
		"deploy_ready": true,
		"success_rate": stats.SuccessRate,
	})
}

func (s *Supervisor) handleRollback(req *ipc.Request) *ipc.Response {
	if resp := s.notReady(); resp != nil {
		return resp
	}
	if err := s.deps.Rollback(); err != nil {
		if errors.Is(err, deps.ErrNoBackupAvailable) {
			return ipc.ErrorResponse(ipc.ErrCodeNoBackup, err.Error())
		}
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	return ipc.SuccessResponse(map[string]int{
		"rollbacks_performed": s.deps.State().RollbacksPerformed,
	})
}
