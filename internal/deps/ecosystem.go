// Package deps detects project ecosystems and manages their dependencies:
// install, update, audit, conflict resolution, and manifest backup/rollback.
package deps

import (
	"os"
	"path/filepath"
	"sort"
)

type Ecosystem string

const (
	EcoGo     Ecosystem = "go"
	EcoNode   Ecosystem = "node"
	EcoPython Ecosystem = "python"
	EcoRust   Ecosystem = "rust"
)

// ecosystemSpec describes the marker files and package-manager commands for
// one ecosystem. Manifests[0] is the primary manifest used for staleness
// comparison; all present manifests are included in backups.
type ecosystemSpec struct {
	Manifests      []string
	OutputDir      string
	PackageManager string
	InstallCmd     []string
	UpdateCmd      []string
	CacheCleanCmd  []string // empty = package manager has no cache to clear
	AuditTool      string // binary probed with LookPath; empty = no audit
	AuditCmd       []string
	AuditFixCmd    []string
	BuildCmd       []string
	TestCmd        []string
	// LineManifest marks manifests with one declaration per line, which
	// conflict resolution can rewrite.
	LineManifest string
}

var ecosystems = map[Ecosystem]ecosystemSpec{
	EcoGo: {
		Manifests:      []string{"go.mod", "go.sum"},
		OutputDir:      "vendor",
		PackageManager: "go",
		InstallCmd:     []string{"go", "mod", "download"},
		UpdateCmd:      []string{"go", "get", "-u", "./..."},
		CacheCleanCmd:  []string{"go", "clean", "-cache", "-testcache"},
		AuditTool:      "govulncheck",
		AuditCmd:       []string{"govulncheck", "./..."},
		BuildCmd:       []string{"go", "build", "./..."},
		TestCmd:        []string{"go", "test", "./..."},
	},
	EcoNode: {
		Manifests:      []string{"package.json", "package-lock.json"},
		OutputDir:      "node_modules",
		PackageManager: "npm",
		InstallCmd:     []string{"npm", "install"},
		UpdateCmd:      []string{"npm", "update"},
		CacheCleanCmd:  []string{"npm", "cache", "clean", "--force"},
		AuditTool:      "npm",
		AuditCmd:       []string{"npm", "audit"},
		AuditFixCmd:    []string{"npm", "audit", "fix"},
		BuildCmd:       []string{"npm", "run", "build", "--if-present"},
		TestCmd:        []string{"npm", "test"},
	},
	EcoPython: {
		Manifests:      []string{"requirements.txt", "pyproject.toml"},
		OutputDir:      ".venv",
		PackageManager: "pip",
		InstallCmd:     []string{"pip", "install", "-r", "requirements.txt"},
		UpdateCmd:      []string{"pip", "install", "-U", "-r", "requirements.txt"},
		CacheCleanCmd:  []string{"pip", "cache", "purge"},
		AuditTool:      "pip-audit",
		AuditCmd:       []string{"pip-audit", "-r", "requirements.txt"},
		BuildCmd:       []string{"python", "-m", "compileall", "."},
		TestCmd:        []string{"python", "-m", "pytest"},
		LineManifest:   "requirements.txt",
	},
	EcoRust: {
		Manifests:      []string{"Cargo.toml", "Cargo.lock"},
		OutputDir:      "target",
		PackageManager: "cargo",
		InstallCmd:     []string{"cargo", "fetch"},
		UpdateCmd:      []string{"cargo", "update"},
		AuditTool:      "cargo-audit",
		AuditCmd:       []string{"cargo", "audit"},
		BuildCmd:       []string{"cargo", "build"},
		TestCmd:        []string{"cargo", "test"},
	},
}

// Detect scans root for ecosystem marker files. A project may carry several
// ecosystems at once; the result is sorted for determinism.
func Detect(root string) []Ecosystem {
	var found []Ecosystem
	for eco, spec := range ecosystems {
		if _, err := os.Stat(filepath.Join(root, spec.Manifests[0])); err == nil {
			found = append(found, eco)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found
}

// BuildCommand returns the build invocation for an ecosystem.
func BuildCommand(eco Ecosystem) []string {
	return ecosystems[eco].BuildCmd
}

// TestCommand returns the test invocation for an ecosystem.
func TestCommand(eco Ecosystem) []string {
	return ecosystems[eco].TestCmd
}

// PackageManagers lists the package managers for the given ecosystems.
func PackageManagers(ecos []Ecosystem) []string {
	var out []string
	for _, eco := range ecos {
		out = append(out, ecosystems[eco].PackageManager)
	}
	return out
}

// presentManifests returns the manifest files that actually exist under root,
// for all known ecosystems.
func presentManifests(root string) []string {
	var out []string
	for _, eco := range sortedEcosystems() {
		for _, m := range ecosystems[eco].Manifests {
			if _, err := os.Stat(filepath.Join(root, m)); err == nil {
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

func sortedEcosystems() []Ecosystem {
	out := make([]Ecosystem, 0, len(ecosystems))
	for eco := range ecosystems {
		out = append(out, eco)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EcosystemNames converts for state reporting.
func EcosystemNames(ecos []Ecosystem) []string {
	var out []string
	for _, eco := range ecos {
		out = append(out, string(eco))
	}
	return out
}
