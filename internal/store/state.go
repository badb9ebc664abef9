package store

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mpaterson/autobuild/internal/model"
)

// State is persisted as flat key=value lines in a stable order so the file
// diffs cleanly and stays compatible with existing operational tooling.

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveState writes the system state atomically.
func SaveState(path string, st *model.SystemState) error {
	var buf bytes.Buffer
	write := func(k, v string) { fmt.Fprintf(&buf, "%s=%s\n", k, v) }

	write("status", string(st.Status))
	write("autonomy_level", string(st.Autonomy))
	write("health_score", strconv.Itoa(st.HealthScore))
	write("performance_index", strconv.Itoa(st.PerformanceIndex))
	write("builds_completed", strconv.Itoa(st.BuildsCompleted))
	write("builds_failed", strconv.Itoa(st.BuildsFailed))
	write("deployments_completed", strconv.Itoa(st.DeploymentsCompleted))
	write("optimizations_performed", strconv.Itoa(st.OptimizationsPerformed))
	write("self_healing_actions", strconv.Itoa(st.SelfHealingActions))
	write("learning_iterations", strconv.Itoa(st.LearningIterations))
	write("last_health_check_at", encodeTime(st.LastHealthCheckAt))
	write("last_optimization_at", encodeTime(st.LastOptimizationAt))
	write("last_deployment_at", encodeTime(st.LastDeploymentAt))

	return AtomicWriteRaw(path, buf.Bytes())
}

// LoadState reads persisted state. A missing or unreadable file is never an
// error: the supervisor must survive stale or missing state, so defaults are
// returned with stale=true.
func LoadState(path string, defaultAutonomy model.AutonomyLevel) (st *model.SystemState, stale bool) {
	st = model.NewSystemState(defaultAutonomy)

	f, err := os.Open(path)
	if err != nil {
		return st, true
	}
	defer func() { _ = f.Close() }()

	parsed := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parsed = true
		switch key {
		case "status":
			st.Status = model.SystemStatus(value)
		case "autonomy_level":
			if level, err := model.ParseAutonomyLevel(value); err == nil {
				st.Autonomy = level
			}
		case "health_score":
			st.HealthScore = parseIntClamped(value, 0, 100, st.HealthScore)
		case "performance_index":
			st.PerformanceIndex = parseIntClamped(value, 0, 100, st.PerformanceIndex)
		case "builds_completed":
			st.BuildsCompleted = parseIntClamped(value, 0, 1<<31, st.BuildsCompleted)
		case "builds_failed":
			st.BuildsFailed = parseIntClamped(value, 0, 1<<31, st.BuildsFailed)
		case "deployments_completed":
			st.DeploymentsCompleted = parseIntClamped(value, 0, 1<<31, st.DeploymentsCompleted)
		case "optimizations_performed":
			st.OptimizationsPerformed = parseIntClamped(value, 0, 1<<31, st.OptimizationsPerformed)
		case "self_healing_actions":
			st.SelfHealingActions = parseIntClamped(value, 0, 1<<31, st.SelfHealingActions)
		case "learning_iterations":
			st.LearningIterations = parseIntClamped(value, 0, 1<<31, st.LearningIterations)
		case "last_health_check_at":
			st.LastHealthCheckAt = decodeTime(value)
		case "last_optimization_at":
			st.LastOptimizationAt = decodeTime(value)
		case "last_deployment_at":
			st.LastDeploymentAt = decodeTime(value)
		}
	}
	if scanner.Err() != nil || !parsed {
		return model.NewSystemState(defaultAutonomy), true
	}
	return st, false
}

func parseIntClamped(s string, min, max, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
