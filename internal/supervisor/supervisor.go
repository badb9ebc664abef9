// Package supervisor owns the process-wide state and the control loops: it
// starts the resource monitor, the change watcher, and the decision cycle,
// serves the operator socket, and is the only writer of SystemState.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpaterson/autobuild/internal/decision"
	"github.com/mpaterson/autobuild/internal/deps"
	"github.com/mpaterson/autobuild/internal/events"
	"github.com/mpaterson/autobuild/internal/ipc"
	"github.com/mpaterson/autobuild/internal/lock"
	"github.com/mpaterson/autobuild/internal/logx"
	"github.com/mpaterson/autobuild/internal/model"
	"github.com/mpaterson/autobuild/internal/monitor"
	"github.com/mpaterson/autobuild/internal/notify"
	"github.com/mpaterson/autobuild/internal/orchestrator"
	"github.com/mpaterson/autobuild/internal/store"
	"github.com/mpaterson/autobuild/internal/watch"
)

// Supervisor is the autobuild daemon process.
type Supervisor struct {
	dataDir string
	cfg     model.Config
	log     *logx.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *ipc.Server
	bus      *events.Bus
	notifier *notify.Dispatcher

	mon     *monitor.Monitor
	deps    *deps.Manager
	orch    *orchestrator.Orchestrator
	engine  *decision.Engine
	watcher watch.ChangeWatcher

	mu          sync.Mutex
	state       *model.SystemState
	deployReady bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once
	forceExit atomic.Bool
}

// New wires up the full component graph under dataDir. The project root
// being built comes from cfg.Project.Root.
func New(dataDir string, cfg model.Config) (*Supervisor, error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newSupervisor(dataDir, cfg, logFile, logFile)
}

// newSupervisor is the internal constructor for testing.
func newSupervisor(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Supervisor, error) {
	ctx, cancel := context.WithCancel(context.Background())

	stdLogger := log.New(w, "", 0)
	logger := logx.New(stdLogger, logx.ParseLevel(cfg.Logging.Level), "supervisor")

	var sinks []notify.Sink
	sinks = append(sinks, notify.LogSink{Logger: stdLogger})
	if cfg.Notify.Desktop {
		sinks = append(sinks, notify.DesktopSink{})
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
	}
	notifier := notify.NewDispatcher(stdLogger, sinks...)

	bus := events.NewBus(100)
	lockMap := lock.NewMutexMap()

	mgr := deps.NewManager(cfg.Project.Root, filepath.Join(dataDir, "backups"),
		lockMap, logger.WithComponent("deps"))

	buildLogsDir := filepath.Join(dataDir, "logs", "builds")
	mon := monitor.New(cfg, monitor.NewProcProbe(), monitor.Hooks{
		ClearCaches:      func() error { return mgr.ClearCaches(context.Background()) },
		DiskCleanup:      func() error { return pruneOldLogs(buildLogsDir, 7*24*time.Hour) },
		EmergencyCleanup: func() error { return pruneOldLogs(buildLogsDir, time.Hour) },
	}, logger.WithComponent("monitor"))

	queue, err := orchestrator.NewQueue(filepath.Join(dataDir, "queue"))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := os.MkdirAll(buildLogsDir, 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("create build log dir: %w", err)
	}

	runner := orchestrator.NewPipelineRunner(cfg.Project.Root, mgr, logger.WithComponent("build"))
	orch, err := orchestrator.New(cfg, queue, mon, runner, bus, notifier,
		filepath.Join(dataDir, "history"), buildLogsDir, logger.WithComponent("orchestrator"))
	if err != nil {
		cancel()
		return nil, err
	}

	var strategy decision.ScoringStrategy = decision.NewFixedStrategy(cfg.Thresholds)
	if cfg.Decision.LearningEnabled {
		strategy = decision.NewAdaptiveStrategy(cfg.Thresholds)
	}

	watcher, err := watch.New(cfg, logger.WithComponent("watch"))
	if err != nil {
		cancel()
		return nil, err
	}

	lockPath := filepath.Join(dataDir, "locks", "daemon.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	s := &Supervisor{
		dataDir:  dataDir,
		cfg:      cfg,
		log:      logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(lockPath),
		server:   ipc.NewServer(filepath.Join(dataDir, ipc.DefaultSocketName)),
		bus:      bus,
		notifier: notifier,
		mon:      mon,
		deps:     mgr,
		orch:     orch,
		engine:   decision.NewEngine(cfg, strategy),
		watcher:  watcher,
		ctx:      ctx,
		cancel:   cancel,
	}
	return s, nil
}

func (s *Supervisor) statePath() string { return filepath.Join(s.dataDir, "state") }

// initState loads persisted state or falls back to defaults. A stale or
// missing state file never prevents startup.
func (s *Supervisor) initState() {
	autonomy, err := model.ParseAutonomyLevel(s.cfg.Daemon.Autonomy)
	if err != nil {
		autonomy = model.AutonomySupervised
	}
	state, stale := store.LoadState(s.statePath(), autonomy)
	if stale {
		s.log.Warnf("persisted state missing or unreadable, starting from defaults")
	}
	state.Status = model.SystemInitializing
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.saveState()
}

// Run starts all loops and blocks until shutdown completes.
func (s *Supervisor) Run() error {
	if err := s.start(); err != nil {
		return err
	}
	s.waitSignals()
	return nil
}

// start acquires the daemon lock, brings up the command server and every
// control loop, and logs readiness. Split from Run so tests can drive the
// startup sequence without a signal.
func (s *Supervisor) start() error {
	if err := s.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	s.log.Infof("daemon starting pid=%d project=%s", os.Getpid(), s.cfg.Project.Root)

	s.initState()
	s.subscribeEvents()
	s.registerHandlers()
	if err := s.server.Start(); err != nil {
		s.cleanup()
		return fmt.Errorf("start command server: %w", err)
	}
	s.log.Infof("command server listening on %s", filepath.Join(s.dataDir, ipc.DefaultSocketName))

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { s.mon.Run(ctx); return nil })
	g.Go(func() error { return s.watcher.Start(ctx) })
	g.Go(func() error { s.watchLoop(ctx); return nil })
	g.Go(func() error { s.decisionLoop(ctx); return nil })
	if s.cfg.Build.ScheduledIntervalSec > 0 {
		g.Go(func() error { s.scheduleLoop(ctx); return nil })
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := g.Wait(); err != nil && s.ctx.Err() == nil {
			s.log.Errorf("control loop exited: %v", err)
		}
	}()

	// Prime the monitor so the first decision cycle has a snapshot.
	s.mon.Sample()
	s.setStatus(model.SystemIdle)
	s.log.Infof("daemon ready autonomy=%s", s.StateSnapshot().Autonomy)
	return nil
}

// watchLoop turns debounced change signals into file_change build requests.
func (s *Supervisor) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.watcher.Events():
			if _, err := s.orch.Enqueue(model.ReasonFileChange); err != nil {
				s.log.Errorf("enqueue file_change: %v", err)
			}
		}
	}
}

// scheduleLoop enqueues low-priority builds on a fixed cadence.
func (s *Supervisor) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.Build.ScheduledIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.orch.Enqueue(model.ReasonScheduled); err != nil {
				s.log.Errorf("enqueue scheduled: %v", err)
			}
		}
	}
}

// decisionLoop runs the periodic sample → decide → dispatch → persist cycle.
func (s *Supervisor) decisionLoop(ctx context.Context) {
	interval := s.cfg.Decision.IntervalSec
	if interval <= 0 {
		interval = 60
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.decisionCycle(ctx)
		}
	}
}

// subscribeEvents keeps the state counters in step with build outcomes and
// feeds results back into an adaptive scoring strategy when one is active.
func (s *Supervisor) subscribeEvents() {
	s.bus.Subscribe(events.EventBuildStarted, func(events.Event) {
		s.setStatus(model.SystemBuilding)
	})
	s.bus.Subscribe(events.EventBuildCompleted, func(events.Event) {
		s.recordBuildOutcome(true)
	})
	s.bus.Subscribe(events.EventBuildFailed, func(events.Event) {
		s.recordBuildOutcome(false)
	})
}

func (s *Supervisor) recordBuildOutcome(succeeded bool) {
	snap := s.mon.Latest()
	if learner, ok := s.engine.Strategy().(decision.Learner); ok {
		learner.Learn(snap, succeeded)
	}

	s.mu.Lock()
	if succeeded {
		s.state.BuildsCompleted++
	} else {
		s.state.BuildsFailed++
	}
	if learner, ok := s.engine.Strategy().(decision.Learner); ok {
		s.state.LearningIterations = learner.Iterations()
	}
	s.state.Status = model.SystemIdle
	s.mu.Unlock()
	s.saveState()
}

func (s *Supervisor) setStatus(status model.SystemStatus) {
	s.mu.Lock()
	s.state.Status = status
	s.mu.Unlock()
	s.saveState()
}

// saveState persists the current state synchronously. Mutations and their
// save always happen on the supervisor, never in component code.
func (s *Supervisor) saveState() {
	s.mu.Lock()
	snapshot := *s.state
	s.mu.Unlock()
	if err := store.SaveState(s.statePath(), &snapshot); err != nil {
		s.log.Errorf("persist state: %v", err)
	}
}

// StateSnapshot returns a copy of the current system state.
func (s *Supervisor) StateSnapshot() model.SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.state
}

func (s *Supervisor) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	s.log.Infof("received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		s.log.Warnf("received second signal, forcing exit")
		s.forceExit.Store(true)
		os.Exit(1)
	}()

	s.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (s *Supervisor) Shutdown() {
	s.shutdown.Do(func() {
		s.log.Infof("shutdown started")

		// 1. Cancel context: stops every loop and kills an in-flight build.
		s.cancel()
		if s.server != nil {
			_ = s.server.Stop()
		}

		// 2. Drain with timeout
		timeout := s.cfg.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			s.orch.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.log.Infof("all loops drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			s.log.Warnf("shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 3. Flush final state
		s.mu.Lock()
		s.state.Status = model.SystemStopped
		s.mu.Unlock()
		s.saveState()

		s.bus.Close()
		s.cleanup()
		s.log.Infof("daemon stopped")
	})
}

func (s *Supervisor) cleanup() {
	_ = os.Remove(filepath.Join(s.dataDir, ipc.DefaultSocketName))
	_ = s.fileLock.Unlock()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

// pruneOldLogs removes build logs older than maxAge. Used as the disk
// cleanup hook; reclaiming log space is the only destructive thing the
// monitor is allowed to do on its own.
func pruneOldLogs(dir string, maxAge time.Duration) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.IsDir() && info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
