package deps

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mpaterson/autobuild/internal/store"
)

// backupIndex is the per-set manifest written alongside the copied files.
type backupIndex struct {
	CreatedAt string   `yaml:"created_at"`
	Root      string   `yaml:"root"`
	Files     []string `yaml:"files"`
}

const backupIndexName = "set.yaml"

// Backup copies every present manifest into a new timestamped backup set.
// Sets are append-only; nothing is pruned implicitly.
func (m *Manager) Backup() error {
	key := "backup:" + m.root
	m.lockMap.Lock(key)
	defer m.lockMap.Unlock(key)

	manifests := presentManifests(m.root)
	if len(manifests) == 0 {
		return fmt.Errorf("no manifest files found under %s", m.root)
	}

	setDir := filepath.Join(m.backupDir, fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := os.MkdirAll(setDir, 0755); err != nil {
		return fmt.Errorf("create backup set dir: %w", err)
	}

	index := backupIndex{
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Root:      m.root,
		Files:     manifests,
	}
	for _, name := range manifests {
		src := filepath.Join(m.root, name)
		dst := filepath.Join(setDir, name)
		if err := copyPreserving(src, dst); err != nil {
			return fmt.Errorf("backup %s: %w", name, err)
		}
	}

	data, err := yamlv3.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshal backup index: %w", err)
	}
	if err := store.AtomicWriteRaw(filepath.Join(setDir, backupIndexName), data); err != nil {
		return fmt.Errorf("write backup index: %w", err)
	}

	m.log.Infof("backed up %d manifest(s) to %s", len(manifests), setDir)
	return nil
}

// Rollback restores the most recent backup set byte-identically. Calling it
// twice with no intervening backup restores the same set again. Returns
// ErrNoBackupAvailable when no set exists; files are left untouched.
func (m *Manager) Rollback() error {
	key := "backup:" + m.root
	m.lockMap.Lock(key)
	defer m.lockMap.Unlock(key)

	setDir, err := m.latestBackupSet()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(setDir, backupIndexName))
	if err != nil {
		return fmt.Errorf("read backup index: %w", err)
	}
	var index backupIndex
	if err := yamlv3.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("parse backup index: %w", err)
	}

	for _, name := range index.Files {
		src := filepath.Join(setDir, name)
		dst := filepath.Join(m.root, name)
		content, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read backup of %s: %w", name, err)
		}
		if err := store.AtomicWriteRaw(dst, content); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
	}

	m.mu.Lock()
	m.state.RollbacksPerformed++
	m.mu.Unlock()

	m.log.Infof("rolled back %d manifest(s) from %s", len(index.Files), setDir)
	return nil
}

// latestBackupSet finds the newest complete backup set directory.
func (m *Manager) latestBackupSet() (string, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoBackupAvailable
		}
		return "", fmt.Errorf("read backup dir: %w", err)
	}

	var sets []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Only sets with a written index are complete.
		if _, err := os.Stat(filepath.Join(m.backupDir, e.Name(), backupIndexName)); err == nil {
			sets = append(sets, e.Name())
		}
	}
	if len(sets) == 0 {
		return "", ErrNoBackupAvailable
	}

	sort.Strings(sets)
	return filepath.Join(m.backupDir, sets[len(sets)-1]), nil
}

func copyPreserving(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
