package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mpaterson/autobuild/internal/deps"
	"github.com/mpaterson/autobuild/internal/logx"
	"github.com/mpaterson/autobuild/internal/model"
)

// ErrBuildTimeout marks a build that hit the wall-clock limit and was
// forcefully terminated.
var ErrBuildTimeout = errors.New("build timed out")

// BuildRunner executes the full build pipeline for one request and returns
// the process exit code. Implementations write all output to logPath.
type BuildRunner interface {
	Run(ctx context.Context, req model.BuildRequest, logPath string) (exitCode int, err error)
}

// pipelineRunner runs the real pipeline: per detected ecosystem, dependency
// install when stale, then build, then tests.
type pipelineRunner struct {
	root string
	deps *deps.Manager
	log  *logx.Logger
}

func NewPipelineRunner(root string, mgr *deps.Manager, log *logx.Logger) BuildRunner {
	return &pipelineRunner{root: root, deps: mgr, log: log}
}

func (r *pipelineRunner) Run(ctx context.Context, req model.BuildRequest, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return -1, fmt.Errorf("open build log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	ecos := r.deps.Detect()
	if len(ecos) == 0 {
		fmt.Fprintln(logFile, "no ecosystems detected, nothing to build")
		return 0, nil
	}

	for _, eco := range ecos {
		if r.deps.NeedsInstall(eco) {
			if err := r.deps.Install(ctx, eco); err != nil {
				fmt.Fprintf(logFile, "dependency install failed for %s: %v\n", eco, err)
				return 1, fmt.Errorf("dependency install: %w", err)
			}
		}

		for _, argv := range [][]string{deps.BuildCommand(eco), deps.TestCommand(eco)} {
			fmt.Fprintf(logFile, "$ %v\n", argv)
			code, err := runCommand(ctx, r.root, argv, logFile)
			if err != nil {
				if ctx.Err() != nil {
					return code, ErrBuildTimeout
				}
				return code, err
			}
			if code != 0 {
				return code, nil
			}
		}
	}
	return 0, nil
}

// RunShell executes a shell command line in dir, sending output to out.
// Used for operator-configured commands like deploy.
func RunShell(ctx context.Context, dir, command string) (int, error) {
	return runCommand(ctx, dir, []string{"sh", "-c", command}, io.Discard)
}

// runCommand executes argv in dir with output to out. The command runs
// in its own process group so a timeout kills the whole tree.
func runCommand(ctx context.Context, dir string, argv []string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative PID targets the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
