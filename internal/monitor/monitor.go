package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mpaterson/autobuild/internal/logx"
	"github.com/mpaterson/autobuild/internal/model"
)

// Hooks are pluggable remediation actions invoked by Optimize. A nil hook is
// skipped.
type Hooks struct {
	ClearCaches      func() error
	DiskCleanup      func() error
	EmergencyCleanup func() error
}

// Remediations counts the best-effort actions Optimize has performed.
type Remediations struct {
	CachesCleared     int
	DiskCleanups      int
	EmergencyCleanups int
}

// Monitor samples resource metrics on a fixed interval and scores machine
// readiness for builds.
type Monitor struct {
	cfg   model.Config
	probe Probe
	hooks Hooks
	log   *logx.Logger

	mu           sync.Mutex
	last         model.ResourceSnapshot
	series       []model.ResourceSnapshot
	remediations Remediations
}

func New(cfg model.Config, probe Probe, hooks Hooks, log *logx.Logger) *Monitor {
	return &Monitor{
		cfg:   cfg,
		probe: probe,
		hooks: hooks,
		log:   log,
	}
}

// Sample reads instantaneous metrics. It never fails the caller: any metric
// that cannot be read is substituted with the last-known value and the
// snapshot is flagged stale.
func (m *Monitor) Sample() model.ResourceSnapshot {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	snap := model.ResourceSnapshot{
		Timestamp: time.Now().UTC(),
		Power:     model.PowerUnknown,
	}

	if cpu, err := m.probe.CPUPercent(); err == nil {
		snap.CPUPct = cpu
	} else {
		snap.CPUPct = last.CPUPct
		snap.Stale = true
		m.log.Debugf("cpu read failed, using last known: %v", err)
	}
	if mem, err := m.probe.MemoryPercent(); err == nil {
		snap.MemoryPct = mem
	} else {
		snap.MemoryPct = last.MemoryPct
		snap.Stale = true
		m.log.Debugf("memory read failed, using last known: %v", err)
	}
	if disk, err := m.probe.DiskPercent(m.cfg.Project.Root); err == nil {
		snap.DiskPct = disk
	} else {
		snap.DiskPct = last.DiskPct
		snap.Stale = true
		m.log.Debugf("disk read failed, using last known: %v", err)
	}
	if temp, err := m.probe.TemperatureC(); err == nil {
		snap.TemperatureC = temp
	} else {
		snap.TemperatureC = last.TemperatureC
		snap.Stale = true
		m.log.Debugf("temperature read failed, using last known: %v", err)
	}
	if power, err := m.probe.Power(); err == nil {
		snap.Power = power
	} else {
		snap.Power = last.Power
		if snap.Power == "" {
			snap.Power = model.PowerUnknown
		}
		snap.Stale = true
		m.log.Debugf("power read failed, using last known: %v", err)
	}

	m.mu.Lock()
	m.last = snap
	m.series = append(m.series, snap)
	if max := m.cfg.Monitor.HistorySize; max > 0 && len(m.series) > max {
		m.series = m.series[len(m.series)-max:]
	}
	m.mu.Unlock()

	return snap
}

// Latest returns the most recent snapshot (zero value before first sample).
func (m *Monitor) Latest() model.ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Series returns a copy of the retained snapshot time series.
func (m *Monitor) Series() []model.ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ResourceSnapshot, len(m.series))
	copy(out, m.series)
	return out
}

// RemediationCounts returns the counters Optimize has accumulated.
func (m *Monitor) RemediationCounts() Remediations {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remediations
}

// ReadinessScore rates a snapshot on [0,100]. Each threshold breach
// subtracts a fixed penalty and appends a human-readable reason.
func (m *Monitor) ReadinessScore(s model.ResourceSnapshot) (int, []string) {
	th := m.cfg.Thresholds
	score := 100
	var reasons []string

	penalize := func(amount int, format string, args ...any) {
		score -= amount
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	switch {
	case s.CPUPct > th.CPUCritical:
		penalize(40, "CPU usage %.1f%% exceeds critical threshold %.1f%%", s.CPUPct, th.CPUCritical)
	case s.CPUPct > th.CPUWarning:
		penalize(20, "CPU usage %.1f%% exceeds warning threshold %.1f%%", s.CPUPct, th.CPUWarning)
	}

	switch {
	case s.MemoryPct > th.MemoryCritical:
		penalize(40, "memory usage %.1f%% exceeds critical threshold %.1f%%", s.MemoryPct, th.MemoryCritical)
	case s.MemoryPct > th.MemoryWarning:
		penalize(20, "memory usage %.1f%% exceeds warning threshold %.1f%%", s.MemoryPct, th.MemoryWarning)
	}

	switch {
	case s.DiskPct > th.DiskCritical:
		penalize(50, "disk usage %.1f%% exceeds critical threshold %.1f%%", s.DiskPct, th.DiskCritical)
	case s.DiskPct > th.DiskWarning:
		penalize(30, "disk usage %.1f%% exceeds warning threshold %.1f%%", s.DiskPct, th.DiskWarning)
	}

	switch {
	case s.TemperatureC > th.TempCritical:
		penalize(30, "temperature %.1f°C exceeds critical threshold %.1f°C", s.TemperatureC, th.TempCritical)
	case s.TemperatureC > th.TempWarning:
		penalize(15, "temperature %.1f°C exceeds warning threshold %.1f°C", s.TemperatureC, th.TempWarning)
	}

	if s.Power == model.PowerBattery {
		penalize(25, "running on battery power")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, reasons
}

// weightedScore combines the metrics into one load figure on [0,100];
// higher means more loaded.
func (m *Monitor) weightedScore(s model.ResourceSnapshot) float64 {
	w := m.cfg.Monitor.Weights
	th := m.cfg.Thresholds

	tempScore := 0.0
	if th.TempCritical > 0 {
		tempScore = s.TemperatureC / th.TempCritical * 100
		if tempScore > 100 {
			tempScore = 100
		}
	}

	powerScore := 50.0
	switch s.Power {
	case model.PowerAC:
		powerScore = 0
	case model.PowerBattery:
		powerScore = 100
	}

	return s.CPUPct*w.CPU + s.MemoryPct*w.Memory + s.DiskPct*w.Disk +
		tempScore*w.Temperature + powerScore*w.Power
}

// jobTable maps optimization level to parallelism per load band. Higher
// levels permit more parallelism at the same load.
var jobTable = map[string][4]int{
	"conservative": {4, 2, 1, 1},
	"balanced":     {8, 4, 2, 1},
	"aggressive":   {12, 8, 4, 2},
}

// PredictBuildParameters maps the weighted load score into an execution
// parameter tuple for the given optimization level. Memory headroom below
// 20% forces serial execution regardless of level.
func (m *Monitor) PredictBuildParameters(s model.ResourceSnapshot, level string) model.BuildParams {
	jobs, ok := jobTable[level]
	if !ok {
		jobs = jobTable["balanced"]
	}

	score := m.weightedScore(s)
	band := 0
	switch {
	case score < 30:
		band = 0
	case score < 60:
		band = 1
	case score < 80:
		band = 2
	default:
		band = 3
	}

	params := model.BuildParams{
		MaxParallelJobs: jobs[band],
		MemoryLimitMB:   [4]int{4096, 2048, 1024, 512}[band],
		CPULimitPct:     [4]int{100, 75, 50, 25}[band],
		Priority:        "normal",
	}
	if band >= 2 {
		params.Priority = "low"
	}

	if s.MemoryPct > 80 {
		params.MaxParallelJobs = 1
	}
	return params
}

// AdaptiveDelay computes how long the orchestrator should defer a build
// given current conditions. Zero means start now.
func (m *Monitor) AdaptiveDelay(s model.ResourceSnapshot, now time.Time) time.Duration {
	th := m.cfg.Thresholds
	var delay time.Duration

	if m.inPeakHours(now) {
		delay += 3600 * time.Second
	}
	if s.CPUPct > th.CPUWarning || s.MemoryPct > th.MemoryWarning {
		delay += 1800 * time.Second
	}
	if s.TemperatureC > th.TempWarning {
		delay += 1200 * time.Second
	}
	if s.Power == model.PowerBattery {
		delay += 7200 * time.Second
	}
	return delay
}

func (m *Monitor) inPeakHours(now time.Time) bool {
	start := m.cfg.Monitor.PeakHoursStart
	end := m.cfg.Monitor.PeakHoursEnd
	if start == end {
		return false
	}
	hour := now.Hour()
	if start < end {
		return hour >= start && hour < end
	}
	// Window wraps midnight
	return hour >= start || hour < end
}

// Optimize performs best-effort remediation for the given snapshot. Hook
// failures are logged, never returned; effects are visible only through the
// remediation counters.
func (m *Monitor) Optimize(s model.ResourceSnapshot) {
	th := m.cfg.Thresholds

	if s.MemoryPct > th.MemoryWarning && m.hooks.ClearCaches != nil {
		if err := m.hooks.ClearCaches(); err != nil {
			m.log.Warnf("cache clear failed: %v", err)
		} else {
			m.mu.Lock()
			m.remediations.CachesCleared++
			m.mu.Unlock()
			m.log.Infof("cleared caches (memory %.1f%%)", s.MemoryPct)
		}
	}

	switch {
	case s.DiskPct > th.DiskCritical && m.hooks.EmergencyCleanup != nil:
		if err := m.hooks.EmergencyCleanup(); err != nil {
			m.log.Warnf("emergency disk cleanup failed: %v", err)
		} else {
			m.mu.Lock()
			m.remediations.EmergencyCleanups++
			m.mu.Unlock()
			m.log.Warnf("emergency disk cleanup performed (disk %.1f%%)", s.DiskPct)
		}
	case s.DiskPct > th.DiskWarning && m.hooks.DiskCleanup != nil:
		if err := m.hooks.DiskCleanup(); err != nil {
			m.log.Warnf("disk cleanup failed: %v", err)
		} else {
			m.mu.Lock()
			m.remediations.DiskCleanups++
			m.mu.Unlock()
			m.log.Infof("disk cleanup performed (disk %.1f%%)", s.DiskPct)
		}
	}
}

// Run samples on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Monitor.IntervalSec
	if interval <= 0 {
		interval = 30
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Sample()
			score, _ := m.ReadinessScore(snap)
			m.log.Debugf("sample cpu=%.1f mem=%.1f disk=%.1f temp=%.1f power=%s readiness=%d",
				snap.CPUPct, snap.MemoryPct, snap.DiskPct, snap.TemperatureC, snap.Power, score)
		}
	}
}
