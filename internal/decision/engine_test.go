package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mpaterson/autobuild/internal/model"
)

func snapshot(cpu, mem, disk float64) model.ResourceSnapshot {
	return model.ResourceSnapshot{
		Timestamp:    time.Now(),
		CPUPct:       cpu,
		MemoryPct:    mem,
		DiskPct:      disk,
		TemperatureC: 50,
		Power:        model.PowerAC,
	}
}

func stats(total int, successRate float64) model.BuildStats {
	return model.BuildStats{Total: total, SuccessRate: successRate}
}

func newTestEngine() *Engine {
	return NewEngine(model.DefaultConfig(), nil)
}

func TestDecide_EmergencyHealOnCollapse(t *testing.T) {
	e := newTestEngine()

	d := e.Decide(Inputs{
		Snapshot:       snapshot(95, 95, 97),
		Stats:          stats(10, 70),
		ReadinessScore: 0,
		ReadinessGate:  50,
	})

	assert.Equal(t, model.ActionEmergencyHeal, d.Action)
	assert.Zero(t, d.HealthScore, "95/95/97 with 70% success rate bottoms out")
	assert.GreaterOrEqual(t, d.Confidence, 0.9)
}

func TestDecide_ProceedWithBuild(t *testing.T) {
	e := newTestEngine()

	in := Inputs{
		Snapshot:       snapshot(40, 40, 50),
		Stats:          model.BuildStats{Total: 5, SuccessRate: 100, QueueDepth: 1},
		ReadinessScore: 100,
		ReadinessGate:  50,
	}
	d := e.Decide(in)

	assert.Equal(t, model.ActionProceedWithBuild, d.Action)
	assert.Equal(t, 100, d.HealthScore)
}

func TestDecide_OptimizeResourcesBeforeMaintenance(t *testing.T) {
	e := newTestEngine()

	// One resource over 85% but health still above critical.
	d := e.Decide(Inputs{
		Snapshot: snapshot(88, 40, 50),
		Stats:    stats(5, 100),
	})

	assert.Equal(t, model.ActionOptimizeResources, d.Action)
	assert.Contains(t, d.Reason, "cpu")
}

func TestDecide_PreventiveMaintenance(t *testing.T) {
	e := newTestEngine()

	// cpu and mem past warning (−20 each), poor success rate (−10): health 50.
	d := e.Decide(Inputs{
		Snapshot: snapshot(80, 80, 50),
		Stats:    stats(10, 85),
	})

	assert.Equal(t, model.ActionPreventiveMaintenance, d.Action)
	assert.Equal(t, 50, d.HealthScore)
}

func TestDecide_GateBlocksBuild(t *testing.T) {
	e := newTestEngine()

	d := e.Decide(Inputs{
		Snapshot:       snapshot(40, 40, 50),
		Stats:          model.BuildStats{Total: 5, SuccessRate: 100, QueueDepth: 2},
		ReadinessScore: 30,
		ReadinessGate:  50,
	})

	assert.Equal(t, model.ActionNormalOperation, d.Action)
}

func TestDecide_Deployment(t *testing.T) {
	e := newTestEngine()

	d := e.Decide(Inputs{
		Snapshot: snapshot(20, 30, 40),
		Stats:    model.BuildStats{Total: 20, SuccessRate: 95, DeployReady: true},
	})

	assert.Equal(t, model.ActionProceedWithDeployment, d.Action)
}

func TestDecide_DeploymentNeedsHighSuccessRate(t *testing.T) {
	e := newTestEngine()

	d := e.Decide(Inputs{
		Snapshot: snapshot(20, 30, 40),
		Stats:    model.BuildStats{Total: 20, SuccessRate: 90, DeployReady: true},
	})

	assert.Equal(t, model.ActionNormalOperation, d.Action, "90% is not above 90%")
}

func TestDecide_DegradesOnMissingSnapshot(t *testing.T) {
	e := newTestEngine()

	d := e.Decide(Inputs{})

	assert.Equal(t, model.ActionNormalOperation, d.Action)
	assert.LessOrEqual(t, d.Confidence, 0.3, "unknown input yields low confidence")
}

func TestFixedStrategy_NoHistoryNoPenalty(t *testing.T) {
	s := NewFixedStrategy(model.DefaultConfig().Thresholds)

	// Zero builds must not look like a 0% success rate.
	assert.Equal(t, 100, s.HealthScore(snapshot(10, 10, 10), model.BuildStats{}))
}

func TestFixedStrategy_PenaltyTable(t *testing.T) {
	s := NewFixedStrategy(model.DefaultConfig().Thresholds)

	cases := []struct {
		name string
		snap model.ResourceSnapshot
		st   model.BuildStats
		want int
	}{
		{"all clear", snapshot(50, 50, 50), stats(10, 100), 100},
		{"cpu warning", snapshot(80, 50, 50), stats(10, 100), 80},
		{"cpu critical", snapshot(92, 50, 50), stats(10, 100), 60},
		{"disk critical", snapshot(50, 50, 96), stats(10, 100), 50},
		{"success under 90", snapshot(50, 50, 50), stats(10, 85), 90},
		{"success under 80", snapshot(50, 50, 50), stats(10, 70), 75},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.HealthScore(tc.snap, tc.st))
		})
	}
}

func TestAdaptiveStrategy_MatchesFixedBeforeLearning(t *testing.T) {
	th := model.DefaultConfig().Thresholds
	fixed := NewFixedStrategy(th)
	adaptive := NewAdaptiveStrategy(th)

	for _, snap := range []model.ResourceSnapshot{
		snapshot(50, 50, 50),
		snapshot(92, 80, 96),
		snapshot(10, 10, 10),
	} {
		assert.Equal(t, fixed.HealthScore(snap, stats(10, 85)),
			adaptive.HealthScore(snap, stats(10, 85)))
	}
}

func TestAdaptiveStrategy_BoundedDrift(t *testing.T) {
	th := model.DefaultConfig().Thresholds
	s := NewAdaptiveStrategy(th)
	hot := snapshot(95, 95, 96)

	for i := 0; i < 1000; i++ {
		s.Learn(hot, false)
	}
	assert.Equal(t, 1000, s.Iterations())

	// Weights are clamped, so even a long failure streak cannot push the
	// score below what the max weight allows, and the result stays in range.
	score := s.HealthScore(hot, stats(10, 50))
	assert.GreaterOrEqual(t, score, 0)
	assert.LessOrEqual(t, score, 100)

	// Learning in the other direction is equally bounded.
	for i := 0; i < 1000; i++ {
		s.Learn(hot, true)
	}
	score = s.HealthScore(hot, stats(10, 100))
	assert.GreaterOrEqual(t, score, 0)
	assert.LessOrEqual(t, score, 100)
}
