package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mpaterson/autobuild/internal/lock"
	"github.com/mpaterson/autobuild/internal/logx"
	"github.com/mpaterson/autobuild/internal/model"
	"github.com/mpaterson/autobuild/internal/store"
)

// ErrNoBackupAvailable is returned by Rollback when no backup set exists.
var ErrNoBackupAvailable = errors.New("no backup available")

// ErrInstallFailed wraps every failed install command; the build pipeline
// treats it as fatal.
var ErrInstallFailed = errors.New("dependency install failed")

// CommandRunner executes a package-manager command in dir and returns its
// combined output. Swapped out in tests.
type CommandRunner func(ctx context.Context, dir string, argv []string) ([]byte, error)

func execRunner(ctx context.Context, dir string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// LookPathFunc probes for an audit tool. Swapped out in tests.
type LookPathFunc func(name string) (string, error)

// ScanResult is the outcome of one security scan.
type ScanResult struct {
	Found     int
	AutoFixed int
}

// Manager handles dependency operations for one project root.
type Manager struct {
	root      string
	backupDir string
	lockMap   *lock.MutexMap
	log       *logx.Logger
	runner    CommandRunner
	lookPath  LookPathFunc

	mu    sync.Mutex
	state model.DependencyState
}

func NewManager(root, backupDir string, lockMap *lock.MutexMap, log *logx.Logger) *Manager {
	return &Manager{
		root:      root,
		backupDir: backupDir,
		lockMap:   lockMap,
		log:       log,
		runner:    execRunner,
		lookPath:  exec.LookPath,
	}
}

// SetRunner replaces the command runner (tests).
func (m *Manager) SetRunner(r CommandRunner) { m.runner = r }

// SetLookPath replaces the audit-tool prober (tests).
func (m *Manager) SetLookPath(f LookPathFunc) { m.lookPath = f }

// State returns a copy of the dependency state.
func (m *Manager) State() model.DependencyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Detect scans the project root and records the result in the state.
func (m *Manager) Detect() []Ecosystem {
	found := Detect(m.root)

	m.mu.Lock()
	m.state.DetectedEcosystems = EcosystemNames(found)
	m.state.PackageManagers = PackageManagers(found)
	m.mu.Unlock()

	return found
}

// NeedsInstall reports whether the ecosystem's install output is absent or
// older than its primary manifest.
func (m *Manager) NeedsInstall(eco Ecosystem) bool {
	spec, ok := ecosystems[eco]
	if !ok {
		return false
	}

	manifest, err := os.Stat(filepath.Join(m.root, spec.Manifests[0]))
	if err != nil {
		return false
	}
	out, err := os.Stat(filepath.Join(m.root, spec.OutputDir))
	if err != nil {
		return true
	}
	return out.ModTime().Before(manifest.ModTime())
}

// Install runs the ecosystem's install command. Failure is fatal and
// propagated to the caller.
func (m *Manager) Install(ctx context.Context, eco Ecosystem) error {
	spec, ok := ecosystems[eco]
	if !ok {
		return fmt.Errorf("unknown ecosystem %q", eco)
	}

	m.log.Infof("installing %s dependencies", eco)
	out, err := m.runner(ctx, m.root, spec.InstallCmd)
	if err != nil {
		return fmt.Errorf("%s: %w: %v: %s", eco, ErrInstallFailed, err, firstLines(out, 5))
	}

	m.mu.Lock()
	m.state.PackagesManaged++
	m.state.LastUpdateAt = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// Update runs the ecosystem's update command. Failure is non-fatal: it is
// logged and reported, and callers are expected to continue.
func (m *Manager) Update(ctx context.Context, eco Ecosystem) error {
	spec, ok := ecosystems[eco]
	if !ok {
		return fmt.Errorf("unknown ecosystem %q", eco)
	}

	m.log.Infof("updating %s dependencies", eco)
	out, err := m.runner(ctx, m.root, spec.UpdateCmd)
	if err != nil {
		m.log.Warnf("%s update failed (continuing): %v: %s", eco, err, firstLines(out, 5))
		return fmt.Errorf("%s update failed: %w", eco, err)
	}

	m.mu.Lock()
	m.state.PatchesApplied++
	m.state.LastUpdateAt = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// ClearCaches drops the package-manager caches for every detected ecosystem.
// Best effort: a failed clean is logged and the remaining ecosystems still
// run; the first failure is returned so the caller's remediation counter
// stays honest. Ecosystems without a cache-clean command are skipped.
func (m *Manager) ClearCaches(ctx context.Context) error {
	var firstErr error
	for _, eco := range m.Detect() {
		spec := ecosystems[eco]
		if len(spec.CacheCleanCmd) == 0 {
			continue
		}
		m.log.Infof("clearing %s package cache", eco)
		if out, err := m.runner(ctx, m.root, spec.CacheCleanCmd); err != nil {
			m.log.Warnf("%s cache clean failed: %v: %s", eco, err, firstLines(out, 5))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s cache clean: %w", eco, err)
			}
		}
	}
	return firstErr
}

// SecurityScan runs the ecosystem's audit tool when present. A missing tool
// is not an error: the scan is skipped and counts as zero findings.
func (m *Manager) SecurityScan(ctx context.Context, eco Ecosystem) (ScanResult, error) {
	spec, ok := ecosystems[eco]
	if !ok {
		return ScanResult{}, fmt.Errorf("unknown ecosystem %q", eco)
	}

	defer func() {
		m.mu.Lock()
		m.state.LastScanAt = time.Now().UTC()
		m.mu.Unlock()
	}()

	if spec.AuditTool == "" {
		return ScanResult{}, nil
	}
	if _, err := m.lookPath(spec.AuditTool); err != nil {
		m.log.Debugf("audit tool %s not found, skipping %s scan", spec.AuditTool, eco)
		return ScanResult{}, nil
	}

	out, err := m.runner(ctx, m.root, spec.AuditCmd)
	found := countVulnerabilities(out)
	if err != nil && found == 0 {
		// Audit tools signal findings through the exit code.
		found = 1
	}

	result := ScanResult{Found: found}
	if found > 0 && len(spec.AuditFixCmd) > 0 {
		if _, fixErr := m.runner(ctx, m.root, spec.AuditFixCmd); fixErr == nil {
			result.AutoFixed = found
		} else {
			m.log.Warnf("%s audit fix failed: %v", eco, fixErr)
		}
	}

	m.mu.Lock()
	m.state.VulnerabilitiesFound += result.Found
	m.state.PatchesApplied += result.AutoFixed
	m.mu.Unlock()

	m.log.Infof("%s security scan: found=%d auto_fixed=%d", eco, result.Found, result.AutoFixed)
	return result, nil
}

// countVulnerabilities extracts a finding count from audit output lines.
func countVulnerabilities(out []byte) int {
	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(strings.ToLower(line), "vulnerab") {
			count++
		}
	}
	return count
}

// ResolveConflicts deduplicates the ecosystem's line-oriented manifest:
// identical packages declared with different constraints keep the last
// declaration, and the result is written back sorted. A backup set is always
// taken first. Returns the number of duplicate declarations removed.
func (m *Manager) ResolveConflicts(eco Ecosystem) (int, error) {
	spec, ok := ecosystems[eco]
	if !ok {
		return 0, fmt.Errorf("unknown ecosystem %q", eco)
	}
	if spec.LineManifest == "" {
		return 0, nil
	}

	manifestPath := filepath.Join(m.root, spec.LineManifest)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read manifest: %w", err)
	}

	resolved, rewritten := dedupeLineManifest(string(data))
	if resolved == 0 {
		return 0, nil
	}

	// Destructive rewrite: snapshot the manifests first.
	if err := m.Backup(); err != nil {
		return 0, fmt.Errorf("backup before conflict resolution: %w", err)
	}

	if err := store.AtomicWriteRaw(manifestPath, []byte(rewritten)); err != nil {
		return 0, fmt.Errorf("rewrite manifest: %w", err)
	}

	m.mu.Lock()
	m.state.ConflictsResolved++
	m.mu.Unlock()

	m.log.Infof("resolved %d conflicting declarations in %s", resolved, spec.LineManifest)
	return resolved, nil
}

// dedupeLineManifest keeps the last declaration per package name, drops
// duplicates, and sorts the remainder. Comments and blank lines are dropped
// from the rewritten file to keep the output deterministic.
func dedupeLineManifest(content string) (resolved int, rewritten string) {
	type decl struct {
		line  string
		count int
	}
	byName := make(map[string]*decl)
	var order []string

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := packageName(line)
		if d, ok := byName[name]; ok {
			d.line = line // last declaration wins
			d.count++
			resolved++
		} else {
			byName[name] = &decl{line: line, count: 1}
			order = append(order, name)
		}
	}

	if resolved == 0 {
		return 0, ""
	}

	lines := make([]string, 0, len(byName))
	for _, name := range order {
		lines = append(lines, byName[name].line)
	}
	sort.Strings(lines)
	return resolved, strings.Join(lines, "\n") + "\n"
}

// packageName extracts the package identifier from one requirement line.
func packageName(line string) string {
	for i, r := range line {
		switch r {
		case '=', '<', '>', '!', '~', ' ', ';', '[':
			return strings.ToLower(line[:i])
		}
	}
	return strings.ToLower(line)
}

func firstLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, " / ")
}
