package supervisor

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaterson/autobuild/internal/ipc"
	"github.com/mpaterson/autobuild/internal/model"
)

func newTestSupervisor(t *testing.T, mutate func(*model.Config)) *Supervisor {
	t.Helper()
	dataDir := t.TempDir()

	cfg := model.DefaultConfig()
	cfg.Project.Root = t.TempDir()
	cfg.Daemon.Autonomy = "supervised"
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := newSupervisor(dataDir, cfg, io.Discard, nil)
	require.NoError(t, err)
	s.initState()
	s.setStatus(model.SystemIdle) // mirror the startup sequence
	t.Cleanup(s.cancel)
	return s
}

func request(t *testing.T, command string, params any) *ipc.Request {
	t.Helper()
	req, err := ipc.NewRequest(command, params)
	require.NoError(t, err)
	return req
}

func decodeData(t *testing.T, resp *ipc.Response, v any) {
	t.Helper()
	require.True(t, resp.Success, "expected success, got %+v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestInitState_FreshDefaults(t *testing.T) {
	dataDir := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Project.Root = t.TempDir()
	cfg.Daemon.Autonomy = "supervised"

	s, err := newSupervisor(dataDir, cfg, io.Discard, nil)
	require.NoError(t, err)
	defer s.cancel()
	s.initState()

	state := s.StateSnapshot()
	assert.Equal(t, model.SystemInitializing, state.Status)
	assert.Equal(t, model.AutonomySupervised, state.Autonomy)
	assert.Equal(t, 100, state.HealthScore)

	data, err := os.ReadFile(s.statePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "status=initializing")
	assert.Contains(t, string(data), "autonomy_level=supervised")
}

func TestInitState_ReloadsPersisted(t *testing.T) {
	dataDir := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Project.Root = t.TempDir()
	cfg.Daemon.Autonomy = "supervised"

	s1, err := newSupervisor(dataDir, cfg, io.Discard, nil)
	require.NoError(t, err)
	s1.initState()
	s1.mu.Lock()
	s1.state.BuildsCompleted = 7
	s1.state.Autonomy = model.AutonomyFull
	s1.mu.Unlock()
	s1.saveState()
	s1.cancel()

	s2, err := newSupervisor(dataDir, cfg, io.Discard, nil)
	require.NoError(t, err)
	defer s2.cancel()
	s2.initState()

	state := s2.StateSnapshot()
	assert.Equal(t, 7, state.BuildsCompleted, "counters survive restart")
	assert.Equal(t, model.AutonomyFull, state.Autonomy, "persisted autonomy wins over config")
}

func TestHandleBuild_EnqueuesManualByDefault(t *testing.T) {
	s := newTestSupervisor(t, nil)

	resp := s.handleBuild(request(t, "build", nil))
	var data map[string]string
	decodeData(t, resp, &data)

	assert.Equal(t, "manual", data["reason"])
	assert.Equal(t, "high", data["priority"])
	assert.True(t, strings.HasPrefix(data["id"], "bld_"))
	assert.Equal(t, 1, s.orch.QueueDepth())
}

func TestHandleBuild_RejectsBadReason(t *testing.T) {
	s := newTestSupervisor(t, nil)

	resp := s.handleBuild(request(t, "build", map[string]string{"reason": "vibes"}))
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeValidation, resp.Error.Code)
	assert.Zero(t, s.orch.QueueDepth())
}

func TestHandleSetAutonomy(t *testing.T) {
	s := newTestSupervisor(t, nil)

	resp := s.handleSetAutonomy(request(t, "set-autonomy", map[string]string{"level": "full"}))
	require.True(t, resp.Success)
	assert.Equal(t, model.AutonomyFull, s.StateSnapshot().Autonomy)

	data, err := os.ReadFile(s.statePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "autonomy_level=full")

	resp = s.handleSetAutonomy(request(t, "set-autonomy", map[string]string{"level": "yolo"}))
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeValidation, resp.Error.Code)
}

func TestHandleRollback_NoBackup(t *testing.T) {
	s := newTestSupervisor(t, nil)

	resp := s.handleRollback(request(t, "rollback", nil))
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeNoBackup, resp.Error.Code)
}

func TestHandleStatus(t *testing.T) {
	s := newTestSupervisor(t, nil)
	s.mon.Sample()

	resp := s.handleStatus(request(t, "status", nil))
	var report statusReport
	decodeData(t, resp, &report)

	assert.Equal(t, "idle", report.Status)
	assert.Equal(t, "supervised", report.Autonomy)
	assert.False(t, report.BuildRunning)
	assert.Equal(t, 100.0, report.SuccessRate)
}

func TestDecisionCycle_NoSnapshotDegrades(t *testing.T) {
	s := newTestSupervisor(t, nil)

	d := s.decisionCycle(s.ctx)

	assert.Equal(t, model.ActionNormalOperation, d.Action)
	assert.LessOrEqual(t, d.Confidence, 0.3)
	assert.False(t, s.StateSnapshot().LastHealthCheckAt.IsZero(), "cycle stamps the health check")
}

func TestDispatch_HealGatedByAutonomy(t *testing.T) {
	s := newTestSupervisor(t, nil) // supervised

	d := model.Decision{Action: model.ActionEmergencyHeal, HealthScore: 10}
	s.dispatch(s.ctx, d)
	assert.Zero(t, s.StateSnapshot().SelfHealingActions, "supervised autonomy only recommends")

	resp := s.handleSetAutonomy(request(t, "set-autonomy", map[string]string{"level": "full"}))
	require.True(t, resp.Success)

	s.dispatch(s.ctx, d)
	assert.Equal(t, 1, s.StateSnapshot().SelfHealingActions, "full autonomy executes the heal")
}

func TestDispatch_OptimizeBlockedAtLimited(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *model.Config) {
		cfg.Daemon.Autonomy = "limited"
	})

	s.dispatch(s.ctx, model.Decision{Action: model.ActionOptimizeResources})
	assert.Zero(t, s.StateSnapshot().OptimizationsPerformed)

	s.mu.Lock()
	s.state.Autonomy = model.AutonomySupervised
	s.mu.Unlock()

	s.dispatch(s.ctx, model.Decision{Action: model.ActionOptimizeResources})
	assert.Equal(t, 1, s.StateSnapshot().OptimizationsPerformed)
}

func TestCommandSocketRoundTrip(t *testing.T) {
	s := newTestSupervisor(t, nil)
	s.registerHandlers()
	require.NoError(t, s.server.Start())
	defer func() { _ = s.server.Stop() }()

	client := ipc.NewClient(filepath.Join(s.dataDir, ipc.DefaultSocketName))

	resp, err := client.SendCommand("ping", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = client.SendCommand("build", map[string]string{"reason": "test_failure"})
	require.NoError(t, err)
	var data map[string]string
	decodeData(t, resp, &data)
	assert.Equal(t, "test_failure", data["reason"])

	resp, err = client.SendCommand("does-not-exist", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeUnknownCommand, resp.Error.Code)
}

func TestHandleDeploy_ArmsFlag(t *testing.T) {
	s := newTestSupervisor(t, nil)

	resp := s.handleDeploy(request(t, "deploy", nil))
	var data map[string]interface{}
	decodeData(t, resp, &data)
	assert.Equal(t, true, data["deploy_ready"])

	s.mu.Lock()
	armed := s.deployReady
	s.mu.Unlock()
	assert.True(t, armed)
}

func TestStart_ReadyLogReportsEffectiveAutonomy(t *testing.T) {
	dataDir := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Project.Root = t.TempDir()
	cfg.Daemon.Autonomy = "supervised"

	// Persist a state whose autonomy differs from the config, as after an
	// operator ran set-autonomy in a previous daemon lifetime.
	seed, err := newSupervisor(dataDir, cfg, io.Discard, nil)
	require.NoError(t, err)
	seed.initState()
	seed.mu.Lock()
	seed.state.Autonomy = model.AutonomyFull
	seed.mu.Unlock()
	seed.saveState()
	seed.cancel()

	var buf bytes.Buffer
	s, err := newSupervisor(dataDir, cfg, &buf, nil)
	require.NoError(t, err)
	require.NoError(t, s.start())
	s.Shutdown()

	assert.Contains(t, buf.String(), "daemon ready autonomy=full",
		"ready log reports the autonomy the daemon actually runs with")
	assert.Equal(t, model.SystemStopped, s.StateSnapshot().Status)
}

func TestHandlers_NotReadyWhileInitializing(t *testing.T) {
	dataDir := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Project.Root = t.TempDir()
	cfg.Daemon.Autonomy = "supervised"

	s, err := newSupervisor(dataDir, cfg, io.Discard, nil)
	require.NoError(t, err)
	defer s.cancel()
	s.initState()

	for _, handle := range []ipc.HandlerFunc{
		s.handleBuild, s.handleHeal, s.handleOptimize,
		s.handleDeploy, s.handleRollback, s.handleHealthCheck,
	} {
		resp := handle(request(t, "any", nil))
		require.False(t, resp.Success)
		assert.Equal(t, ipc.ErrCodeNotReady, resp.Error.Code)
	}

	// Introspection stays available during startup.
	resp := s.handleStatus(request(t, "status", nil))
	assert.True(t, resp.Success)

	s.setStatus(model.SystemIdle)
	resp = s.handleBuild(request(t, "build", nil))
	assert.True(t, resp.Success, "commands accepted once startup finishes")
}

func TestOptimize_CacheClearHookWired(t *testing.T) {
	s := newTestSupervisor(t, nil)

	// High memory pressure must trip the cache-clearing remediation; the
	// empty project root means no package-manager command actually runs.
	s.mon.Optimize(model.ResourceSnapshot{MemoryPct: 90})
	assert.Equal(t, 1, s.mon.RemediationCounts().CachesCleared)
}

func TestPerformanceIndex(t *testing.T) {
	assert.Equal(t, 100, performanceIndex(100, 100))
	assert.Equal(t, 50, performanceIndex(0, 100))
	assert.Equal(t, 0, performanceIndex(0, 0))
}
