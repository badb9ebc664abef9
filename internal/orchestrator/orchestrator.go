package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpaterson/autobuild/internal/events"
	"github.com/mpaterson/autobuild/internal/logx"
	"github.com/mpaterson/autobuild/internal/model"
	"github.com/mpaterson/autobuild/internal/monitor"
	"github.com/mpaterson/autobuild/internal/notify"
	"github.com/mpaterson/autobuild/internal/store"
)

// Orchestrator consumes the build queue one request at a time, gates on
// machine readiness, executes the pipeline under a hard timeout, and records
// history.
type Orchestrator struct {
	cfg         model.Config
	queue       *Queue
	mon         *monitor.Monitor
	runner      BuildRunner
	bus         *events.Bus
	notifier    *notify.Dispatcher
	log         *logx.Logger
	historyPath string
	logsDir     string

	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	history []model.BuildRecord
}

func New(cfg model.Config, queue *Queue, mon *monitor.Monitor, runner BuildRunner,
	bus *events.Bus, notifier *notify.Dispatcher, historyPath, logsDir string,
	log *logx.Logger) (*Orchestrator, error) {

	history, err := store.LoadHistory(historyPath, cfg.Build.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load build history: %w", err)
	}

	return &Orchestrator{
		cfg:         cfg,
		queue:       queue,
		mon:         mon,
		runner:      runner,
		bus:         bus,
		notifier:    notifier,
		log:         log,
		historyPath: historyPath,
		logsDir:     logsDir,
		history:     history,
	}, nil
}

// Enqueue adds a build request for the given reason.
func (o *Orchestrator) Enqueue(reason model.BuildReason) (model.BuildRequest, error) {
	req, err := o.queue.Enqueue(reason)
	if err != nil {
		return req, err
	}
	o.log.Infof("build enqueued id=%s reason=%s priority=%s", req.ID, req.Reason, req.Priority)
	return req, nil
}

// QueueDepth returns the number of pending requests.
func (o *Orchestrator) QueueDepth() int { return o.queue.Depth() }

// QueueSnapshot returns the pending requests in FIFO order.
func (o *Orchestrator) QueueSnapshot() []model.BuildRequest { return o.queue.Snapshot() }

// Running reports whether a build is currently executing.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Wait blocks until any in-flight build goroutine has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Tick runs one scheduling step: no-op while a build is running, otherwise
// pops the queue head, applies the readiness gate, and starts execution in
// its own goroutine. Deferred requests go back to the tail with the same
// reason (a transient constraint, not a failure).
func (o *Orchestrator) Tick(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}

	req, ok := o.queue.Pop()
	if !ok {
		o.running.Store(false)
		return
	}

	snap := o.mon.Latest()
	score, reasons := o.mon.ReadinessScore(snap)
	if score < o.cfg.Build.ReadinessGate || snap.Power == model.PowerBattery {
		o.running.Store(false)
		o.log.Infof("build %s deferred: readiness=%d reasons=%v", req.ID, score, reasons)
		if err := o.queue.Requeue(req); err != nil {
			o.log.Errorf("requeue %s: %v", req.ID, err)
		}
		return
	}

	// Low-urgency work also respects the adaptive delay (peak hours,
	// thermal pressure); operator-triggered builds do not wait.
	if req.Priority != model.PriorityHigh {
		if delay := o.mon.AdaptiveDelay(snap, time.Now()); delay > 0 {
			o.running.Store(false)
			o.log.Infof("build %s deferred by adaptive delay %s", req.ID, delay)
			if err := o.queue.Requeue(req); err != nil {
				o.log.Errorf("requeue %s: %v", req.ID, err)
			}
			return
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.running.Store(false)
		o.runBuild(ctx, req)
	}()
}

func (o *Orchestrator) runBuild(ctx context.Context, req model.BuildRequest) {
	if err := model.ValidateBuildTransition(req.Status, model.StatusRunning); err != nil {
		o.log.Errorf("build %s: %v", req.ID, err)
		return
	}
	req.Status = model.StatusRunning

	started := time.Now()
	logPath := filepath.Join(o.logsDir, req.ID+".log")
	o.log.Infof("build started id=%s reason=%s", req.ID, req.Reason)
	o.bus.Publish(events.EventBuildStarted, map[string]interface{}{
		"id": req.ID, "reason": string(req.Reason),
	})

	timeout := time.Duration(o.cfg.Build.TimeoutSec) * time.Second
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	exitCode, err := o.runner.Run(buildCtx, req, logPath)
	cancel()

	duration := time.Since(started)
	timedOut := errors.Is(err, ErrBuildTimeout) || errors.Is(err, context.DeadlineExceeded)

	status := model.StatusSucceeded
	if exitCode != 0 || err != nil {
		status = model.StatusFailed
	}
	req.Status = status

	rec := model.BuildRecord{
		RequestID: req.ID,
		Reason:    req.Reason,
		StartedAt: started.UTC(),
		ExitCode:  exitCode,
		Duration:  duration,
		LogPath:   logPath,
	}
	o.appendRecord(rec)

	data := map[string]interface{}{
		"id":        req.ID,
		"reason":    string(req.Reason),
		"exit_code": exitCode,
		"duration":  duration.String(),
	}

	switch {
	case status == model.StatusSucceeded:
		o.log.Infof("build succeeded id=%s duration=%s", req.ID, duration.Round(time.Second))
		o.bus.Publish(events.EventBuildCompleted, data)
		o.notifier.Notify("build succeeded", fmt.Sprintf("%s (%s) finished in %s",
			req.ID, req.Reason, duration.Round(time.Second)))
	case timedOut:
		o.log.Errorf("build failed id=%s reason=timeout after %s", req.ID, timeout)
		data["failure"] = "timeout"
		o.bus.Publish(events.EventBuildFailed, data)
		o.notifier.Notify("build failed", fmt.Sprintf("%s timed out after %s", req.ID, timeout))
	default:
		o.log.Errorf("build failed id=%s exit_code=%d err=%v", req.ID, exitCode, err)
		o.bus.Publish(events.EventBuildFailed, data)
		o.notifier.Notify("build failed", fmt.Sprintf("%s (%s) exit code %d", req.ID, req.Reason, exitCode))
	}

	if status == model.StatusFailed {
		o.maybeScheduleRetry(ctx, req)
	}
}

// maybeScheduleRetry re-enqueues a failed build once, after the configured
// backoff. A failed retry is never retried again automatically; the cap is
// one, and further attempts require manual re-submission.
func (o *Orchestrator) maybeScheduleRetry(ctx context.Context, req model.BuildRequest) {
	if req.Reason == model.ReasonRetry {
		o.log.Warnf("build %s was already a retry; manual re-enqueue required", req.ID)
		return
	}

	backoff := time.Duration(o.cfg.Build.RetryBackoffSec) * time.Second
	o.log.Infof("scheduling automatic retry of %s in %s", req.ID, backoff)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if _, err := o.Enqueue(model.ReasonRetry); err != nil {
			o.log.Errorf("enqueue retry for %s: %v", req.ID, err)
		}
	}()
}

func (o *Orchestrator) appendRecord(rec model.BuildRecord) {
	if err := store.AppendHistory(o.historyPath, rec); err != nil {
		o.log.Errorf("append history: %v", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, rec)
	if window := o.cfg.Build.HistoryWindow; window > 0 && len(o.history) > window {
		o.history = o.history[len(o.history)-window:]
	}
}

// History returns a copy of the retained build records, oldest first.
func (o *Orchestrator) History() []model.BuildRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.BuildRecord, len(o.history))
	copy(out, o.history)
	return out
}

// Stats summarizes the retained history for the decision engine. With no
// history the success rate defaults to 100 so a fresh system is not treated
// as failing.
func (o *Orchestrator) Stats() model.BuildStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := model.BuildStats{
		Total:       len(o.history),
		QueueDepth:  o.queue.Depth(),
		SuccessRate: 100,
	}
	for _, rec := range o.history {
		if rec.ExitCode == 0 {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = 100 * float64(stats.Succeeded) / float64(stats.Total)
	}
	return stats
}
