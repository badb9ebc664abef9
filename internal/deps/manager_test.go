package deps

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaterson/autobuild/internal/lock"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	backupDir := filepath.Join(t.TempDir(), "backups")
	m := NewManager(root, backupDir, lock.NewMutexMap(), nil)
	return m, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDetect(t *testing.T) {
	m, root := newTestManager(t)

	assert.Empty(t, m.Detect(), "empty project has no ecosystems")

	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/x\n")
	writeFile(t, filepath.Join(root, "package.json"), "{}\n")

	found := m.Detect()
	assert.Equal(t, []Ecosystem{EcoGo, EcoNode}, found, "multiple ecosystems detected, sorted")

	st := m.State()
	assert.Equal(t, []string{"go", "node"}, st.DetectedEcosystems)
	assert.Equal(t, []string{"go", "npm"}, st.PackageManagers)
}

func TestNeedsInstall(t *testing.T) {
	m, root := newTestManager(t)

	// No manifest at all: nothing to install.
	assert.False(t, m.NeedsInstall(EcoNode))

	writeFile(t, filepath.Join(root, "package.json"), "{}\n")
	assert.True(t, m.NeedsInstall(EcoNode), "output dir absent")

	modules := filepath.Join(root, "node_modules")
	require.NoError(t, os.Mkdir(modules, 0755))
	newer := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(modules, newer, newer))
	assert.False(t, m.NeedsInstall(EcoNode), "output dir newer than manifest")

	older := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(modules, older, older))
	assert.True(t, m.NeedsInstall(EcoNode), "output dir older than manifest")
}

func TestInstall_FatalOnFailure(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetRunner(func(ctx context.Context, dir string, argv []string) ([]byte, error) {
		return []byte("E404 not found"), errors.New("exit status 1")
	})

	err := m.Install(context.Background(), EcoNode)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.Contains(t, err.Error(), "E404", "command output carried in the message")
}

func TestInstall_Success(t *testing.T) {
	m, _ := newTestManager(t)
	var ran []string
	m.SetRunner(func(ctx context.Context, dir string, argv []string) ([]byte, error) {
		ran = argv
		return nil, nil
	})

	require.NoError(t, m.Install(context.Background(), EcoGo))
	assert.Equal(t, []string{"go", "mod", "download"}, ran)
	assert.Equal(t, 1, m.State().PackagesManaged)
	assert.False(t, m.State().LastUpdateAt.IsZero())
}

func TestUpdate_NonFatal(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetRunner(func(ctx context.Context, dir string, argv []string) ([]byte, error) {
		return []byte("network unreachable"), errors.New("exit status 1")
	})

	// Update reports the failure but callers treat it as non-fatal.
	err := m.Update(context.Background(), EcoGo)
	require.Error(t, err)
	assert.Equal(t, 0, m.State().PatchesApplied)
}

func TestClearCaches_RunsDetectedEcosystems(t *testing.T) {
	m, root := newTestManager(t)
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/x\n")
	writeFile(t, filepath.Join(root, "package.json"), "{}\n")
	writeFile(t, filepath.Join(root, "Cargo.toml"), "[package]\n")

	var ran [][]string
	m.SetRunner(func(ctx context.Context, dir string, argv []string) ([]byte, error) {
		ran = append(ran, argv)
		return nil, nil
	})

	require.NoError(t, m.ClearCaches(context.Background()))
	assert.Equal(t, [][]string{
		{"go", "clean", "-cache", "-testcache"},
		{"npm", "cache", "clean", "--force"},
	}, ran, "rust has no cache-clean command and is skipped")
}

func TestClearCaches_BestEffort(t *testing.T) {
	m, root := newTestManager(t)
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/x\n")
	writeFile(t, filepath.Join(root, "package.json"), "{}\n")

	var ran [][]string
	m.SetRunner(func(ctx context.Context, dir string, argv []string) ([]byte, error) {
		ran = append(ran, argv)
		if argv[0] == "go" {
			return []byte("permission denied"), errors.New("exit status 1")
		}
		return nil, nil
	})

	err := m.ClearCaches(context.Background())
	require.Error(t, err, "first failure surfaces")
	assert.Len(t, ran, 2, "remaining ecosystems still run after a failure")
}

func TestSecurityScan_ToolAbsent(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetLookPath(func(name string) (string, error) {
		return "", errors.New("not found")
	})
	m.SetRunner(func(ctx context.Context, dir string, argv []string) ([]byte, error) {
		t.Fatal("runner must not be invoked when the audit tool is absent")
		return nil, nil
	})

	result, err := m.SecurityScan(context.Background(), EcoNode)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{}, result)
	assert.False(t, m.State().LastScanAt.IsZero())
}

func TestSecurityScan_FindingsAndAutoFix(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetLookPath(func(name string) (string, error) { return "/usr/bin/" + name, nil })

	var fixRan bool
	m.SetRunner(func(ctx context.Context, dir string, argv []string) ([]byte, error) {
		if len(argv) >= 3 && argv[1] == "audit" && argv[2] == "fix" {
			fixRan = true
			return nil, nil
		}
		return []byte("found 2 vulnerabilities\nhigh severity vulnerability in lodash\n"), errors.New("exit status 1")
	})

	result, err := m.SecurityScan(context.Background(), EcoNode)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 2, result.AutoFixed)
	assert.True(t, fixRan)

	st := m.State()
	assert.Equal(t, 2, st.VulnerabilitiesFound)
	assert.Equal(t, 2, st.PatchesApplied)
}

func TestResolveConflicts(t *testing.T) {
	m, root := newTestManager(t)
	manifest := filepath.Join(root, "requirements.txt")
	writeFile(t, manifest, "requests==2.28.0\nflask>=2.0\nrequests==2.31.0\n# comment\nnumpy\n")

	resolved, err := m.ResolveConflicts(EcoPython)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	got, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Equal(t, "flask>=2.0\nnumpy\nrequests==2.31.0\n", string(got),
		"deduplicated, last declaration wins, sorted")

	assert.Equal(t, 1, m.State().ConflictsResolved, "exactly one increment per resolution call")

	// A backup set must exist from the pre-rewrite snapshot.
	_, err = m.latestBackupSet()
	require.NoError(t, err)
}

func TestResolveConflicts_NoDuplicates(t *testing.T) {
	m, root := newTestManager(t)
	manifest := filepath.Join(root, "requirements.txt")
	original := "flask>=2.0\nrequests==2.31.0\n"
	writeFile(t, manifest, original)

	resolved, err := m.ResolveConflicts(EcoPython)
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Zero(t, m.State().ConflictsResolved)

	got, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Equal(t, original, string(got), "clean manifest left untouched")

	_, err = m.latestBackupSet()
	assert.ErrorIs(t, err, ErrNoBackupAvailable, "no backup taken when nothing changes")
}

func TestBackupRollback_ByteIdentical(t *testing.T) {
	m, root := newTestManager(t)
	manifest := filepath.Join(root, "requirements.txt")
	original := "requests==2.28.0\nflask>=2.0\n"
	writeFile(t, manifest, original)

	require.NoError(t, m.Backup())

	// Mutate, then roll back.
	writeFile(t, manifest, "totally different\n")
	require.NoError(t, m.Rollback())

	got, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Equal(t, original, string(got))
	assert.Equal(t, 1, m.State().RollbacksPerformed)
}

func TestRollback_Idempotent(t *testing.T) {
	m, root := newTestManager(t)
	manifest := filepath.Join(root, "go.mod")
	original := "module example.com/x\n"
	writeFile(t, manifest, original)

	require.NoError(t, m.Backup())
	writeFile(t, manifest, "module example.com/y\n")

	require.NoError(t, m.Rollback())
	require.NoError(t, m.Rollback(), "second rollback with no intervening backup succeeds")

	got, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Equal(t, original, string(got))
}

func TestRollback_NoBackup(t *testing.T) {
	m, root := newTestManager(t)
	manifest := filepath.Join(root, "go.mod")
	writeFile(t, manifest, "module example.com/x\n")

	err := m.Rollback()
	assert.ErrorIs(t, err, ErrNoBackupAvailable)

	got, readErr := os.ReadFile(manifest)
	require.NoError(t, readErr)
	assert.Equal(t, "module example.com/x\n", string(got), "files untouched on failed rollback")
}

func TestBackup_MultipleSetsLatestWins(t *testing.T) {
	m, root := newTestManager(t)
	manifest := filepath.Join(root, "requirements.txt")

	writeFile(t, manifest, "v1\n")
	require.NoError(t, m.Backup())
	time.Sleep(5 * time.Millisecond)

	writeFile(t, manifest, "v2\n")
	require.NoError(t, m.Backup())

	writeFile(t, manifest, "v3\n")
	require.NoError(t, m.Rollback())

	got, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(got), "most recent set restored")
}
