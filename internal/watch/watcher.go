// Package watch detects source changes in the project root and emits
// debounced change signals for the build queue.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mpaterson/autobuild/internal/logx"
	"github.com/mpaterson/autobuild/internal/model"
)

// ChangeWatcher emits one signal per debounced burst of file changes. Both
// implementations honor the same contract; which one runs is a config choice.
type ChangeWatcher interface {
	// Start blocks until ctx is cancelled, delivering change signals.
	Start(ctx context.Context) error
	// Events yields a signal per detected (debounced) change burst.
	Events() <-chan struct{}
}

// New picks the watcher implementation from config. fsnotify is the default;
// poll mode exists for filesystems where inotify is unavailable.
func New(cfg model.Config, log *logx.Logger) (ChangeWatcher, error) {
	switch cfg.Watcher.Mode {
	case "", "fsnotify":
		return newNotifyWatcher(cfg, log), nil
	case "poll":
		return newPollWatcher(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown watcher mode %q", cfg.Watcher.Mode)
	}
}

func ignored(cfg model.Config, path string) bool {
	base := filepath.Base(path)
	for _, dir := range cfg.Watcher.IgnoreDirs {
		if base == dir {
			return true
		}
	}
	return strings.HasPrefix(base, ".")
}

// debouncer coalesces rapid change bursts into a single signal after the
// configured quiet period.
type debouncer struct {
	out   chan struct{}
	reset chan struct{}
	quiet time.Duration
}

func newDebouncer(quietSec float64) *debouncer {
	if quietSec <= 0 {
		quietSec = 2
	}
	return &debouncer{
		out:   make(chan struct{}, 1),
		reset: make(chan struct{}, 1),
		quiet: time.Duration(quietSec * float64(time.Second)),
	}
}

func (d *debouncer) touch() {
	select {
	case d.reset <- struct{}{}:
	default:
	}
}

func (d *debouncer) run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-d.reset:
			if timer == nil {
				timer = time.NewTimer(d.quiet)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.quiet)
			}
		case <-fire:
			timer = nil
			fire = nil
			select {
			case d.out <- struct{}{}:
			default:
			}
		}
	}
}

// notifyWatcher is the fsnotify implementation: watches the project tree
// recursively and adds new directories as they appear.
type notifyWatcher struct {
	cfg model.Config
	log *logx.Logger
	deb *debouncer
}

func newNotifyWatcher(cfg model.Config, log *logx.Logger) *notifyWatcher {
	return &notifyWatcher{cfg: cfg, log: log, deb: newDebouncer(cfg.Watcher.DebounceSec)}
}

func (w *notifyWatcher) Events() <-chan struct{} { return w.deb.out }

func (w *notifyWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := w.addRecursive(fsw, w.cfg.Project.Root); err != nil {
		return err
	}

	go w.deb.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ignored(w.cfg, event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				// New directories need their own watch.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fsw, event.Name); err != nil {
						w.log.Warnf("watch new dir %s: %v", event.Name, err)
					}
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.log.Debugf("change event=%s file=%s", event.Op, event.Name)
				w.deb.touch()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Errorf("watcher error: %v", err)
		}
	}
}

func (w *notifyWatcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignored(w.cfg, path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// pollWatcher diffs file modification times on a fixed interval.
type pollWatcher struct {
	cfg model.Config
	log *logx.Logger
	deb *debouncer
}

func newPollWatcher(cfg model.Config, log *logx.Logger) *pollWatcher {
	return &pollWatcher{cfg: cfg, log: log, deb: newDebouncer(cfg.Watcher.DebounceSec)}
}

func (w *pollWatcher) Events() <-chan struct{} { return w.deb.out }

func (w *pollWatcher) Start(ctx context.Context) error {
	interval := time.Duration(w.cfg.Watcher.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go w.deb.run(ctx)

	prev := w.scan()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := w.scan()
			if changed(prev, cur) {
				w.log.Debugf("poll detected change in %s", w.cfg.Project.Root)
				w.deb.touch()
			}
			prev = cur
		}
	}
}

// scan captures path -> mtime for every regular file under the root.
func (w *pollWatcher) scan() map[string]time.Time {
	seen := make(map[string]time.Time)
	_ = filepath.WalkDir(w.cfg.Project.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.cfg.Project.Root && ignored(w.cfg, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			seen[path] = info.ModTime()
		}
		return nil
	})
	return seen
}

func changed(prev, cur map[string]time.Time) bool {
	if len(prev) != len(cur) {
		return true
	}
	for path, mtime := range cur {
		old, ok := prev[path]
		if !ok || !old.Equal(mtime) {
			return true
		}
	}
	return false
}
