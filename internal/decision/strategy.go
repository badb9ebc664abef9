// Package decision turns resource and build signals into a health score and
// an action. Scoring is pluggable so the fixed threshold table can be swapped
// for an adaptive one without touching the engine.
package decision

import (
	"sync"

	"github.com/mpaterson/autobuild/internal/model"
)

// ScoringStrategy computes the aggregate health score [0,100] from the
// current snapshot and build statistics.
type ScoringStrategy interface {
	HealthScore(snap model.ResourceSnapshot, stats model.BuildStats) int
}

// Learner is implemented by strategies that adjust themselves from observed
// build outcomes.
type Learner interface {
	Learn(snap model.ResourceSnapshot, buildSucceeded bool)
	Iterations() int
}

// FixedStrategy applies the static penalty table: CPU and memory lose 20/40
// points past warning/critical, disk loses 30/50, and a build success rate
// under 90%/80% costs 10/25 points.
type FixedStrategy struct {
	Thresholds model.ThresholdConfig
}

func NewFixedStrategy(th model.ThresholdConfig) *FixedStrategy {
	return &FixedStrategy{Thresholds: th}
}

func (s *FixedStrategy) HealthScore(snap model.ResourceSnapshot, stats model.BuildStats) int {
	score := 100 - totalPenalty(s.Thresholds, snap, stats, defaultWeights())
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

type penaltyWeights struct {
	cpu, mem, disk, failure float64
}

func defaultWeights() penaltyWeights {
	return penaltyWeights{cpu: 1, mem: 1, disk: 1, failure: 1}
}

func totalPenalty(th model.ThresholdConfig, snap model.ResourceSnapshot,
	stats model.BuildStats, w penaltyWeights) int {

	var p float64
	switch {
	case snap.CPUPct > th.CPUCritical:
		p += 40 * w.cpu
	case snap.CPUPct > th.CPUWarning:
		p += 20 * w.cpu
	}
	switch {
	case snap.MemoryPct > th.MemoryCritical:
		p += 40 * w.mem
	case snap.MemoryPct > th.MemoryWarning:
		p += 20 * w.mem
	}
	switch {
	case snap.DiskPct > th.DiskCritical:
		p += 50 * w.disk
	case snap.DiskPct > th.DiskWarning:
		p += 30 * w.disk
	}
	switch {
	case stats.Total > 0 && stats.SuccessRate < 80:
		p += 25 * w.failure
	case stats.Total > 0 && stats.SuccessRate < 90:
		p += 10 * w.failure
	}
	return int(p)
}

// AdaptiveStrategy starts from the fixed table and nudges per-source weights
// from observed build outcomes. Every nudge is a clamped +/-0.02 step and
// weights stay within [0.05, 0.6] of their relative share, so the strategy
// can drift but never diverge from the fixed baseline by much.
type AdaptiveStrategy struct {
	mu         sync.Mutex
	thresholds model.ThresholdConfig
	weights    penaltyWeights
	iterations int
}

const (
	learnStep = 0.02
	minWeight = 0.05
	maxWeight = 0.6
)

func NewAdaptiveStrategy(th model.ThresholdConfig) *AdaptiveStrategy {
	return &AdaptiveStrategy{
		thresholds: th,
		// Relative shares; 0.25 each keeps parity with the fixed table.
		weights: penaltyWeights{cpu: 0.25, mem: 0.25, disk: 0.25, failure: 0.25},
	}
}

func (s *AdaptiveStrategy) HealthScore(snap model.ResourceSnapshot, stats model.BuildStats) int {
	s.mu.Lock()
	w := s.weights
	s.mu.Unlock()

	// Scale each share back to a multiplier of 1.0 at the default share.
	scaled := penaltyWeights{
		cpu:     w.cpu / 0.25,
		mem:     w.mem / 0.25,
		disk:    w.disk / 0.25,
		failure: w.failure / 0.25,
	}
	score := 100 - totalPenalty(s.thresholds, snap, stats, scaled)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Learn nudges the weight of each resource that was under pressure during the
// build: up when the build failed (that pressure mattered), down when it
// succeeded anyway (the pressure was tolerable).
func (s *AdaptiveStrategy) Learn(snap model.ResourceSnapshot, buildSucceeded bool) {
	step := learnStep
	if buildSucceeded {
		step = -learnStep
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.thresholds
	if snap.CPUPct > th.CPUWarning {
		s.weights.cpu = clampWeight(s.weights.cpu + step)
	}
	if snap.MemoryPct > th.MemoryWarning {
		s.weights.mem = clampWeight(s.weights.mem + step)
	}
	if snap.DiskPct > th.DiskWarning {
		s.weights.disk = clampWeight(s.weights.disk + step)
	}
	if !buildSucceeded {
		s.weights.failure = clampWeight(s.weights.failure + learnStep)
	}
	s.iterations++
}

func (s *AdaptiveStrategy) Iterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterations
}

func clampWeight(w float64) float64 {
	if w < minWeight {
		return minWeight
	}
	if w > maxWeight {
		return maxWeight
	}
	return w
}
