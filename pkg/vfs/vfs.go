// Package vfs lays out and maintains per-plugin storage roots and the
// server-managed config JSON that lives alongside them.
package vfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"tidegate/pkg/plugin"
)

const dirPerm = 0o755
const filePerm = 0o644

// Manager resolves and maintains StoragePaths for plugins.
type Manager struct {
	logger *logrus.Logger
}

// NewManager creates a VFS manager.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{logger: logger}
}

// Resolve is pure: it computes the on-disk layout for a plugin without
// touching the filesystem.
func (m *Manager) Resolve(pluginID, configRoot string) plugin.StoragePaths {
	root := filepath.Join(configRoot, "plugin-config-data", pluginID)
	vfsRoot := filepath.Join(root, "vfs")
	return plugin.StoragePaths{
		Root:       root,
		ConfigFile: filepath.Join(root, pluginID+".json"),
		VFSRoot:    vfsRoot,
		DataDir:    filepath.Join(vfsRoot, "data"),
		ConfigDir:  filepath.Join(vfsRoot, "config"),
		TmpDir:     filepath.Join(vfsRoot, "tmp"),
	}
}

// Initialize creates the directory tree if absent. Idempotent.
func (m *Manager) Initialize(paths plugin.StoragePaths) error {
	for _, dir := range []string{paths.Root, paths.VFSRoot, paths.DataDir, paths.ConfigDir, paths.TmpDir} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("vfs: create %s: %w", dir, err)
		}
	}
	return nil
}

// ReadConfig returns defaults if the file is missing or empty, and logs a
// warning (never an error) on malformed JSON.
func (m *Manager) ReadConfig(paths plugin.StoragePaths) plugin.PersistedConfig {
	defaults := plugin.PersistedConfig{Enabled: false, Configuration: json.RawMessage("{}")}

	data, err := os.ReadFile(paths.ConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.WithError(err).WithField("path", paths.ConfigFile).Warn("vfs: failed to read plugin config, using defaults")
		}
		return defaults
	}
	if len(data) == 0 {
		return defaults
	}

	var cfg plugin.PersistedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		m.logger.WithError(err).WithField("path", paths.ConfigFile).Warn("vfs: malformed plugin config, using defaults")
		return defaults
	}
	if cfg.Configuration == nil {
		cfg.Configuration = json.RawMessage("{}")
	}
	return cfg
}

// WriteConfig persists atomically: write to a temporary sibling, fsync,
// rename over the target.
func (m *Manager) WriteConfig(paths plugin.StoragePaths, cfg plugin.PersistedConfig) error {
	if cfg.Configuration == nil {
		cfg.Configuration = json.RawMessage("{}")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("vfs: marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(paths.Root, ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("vfs: create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vfs: write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vfs: fsync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vfs: close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("vfs: chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, paths.ConfigFile); err != nil {
		return fmt.Errorf("vfs: rename config into place: %w", err)
	}
	return nil
}

// CleanupTmp recursively empties vfs/tmp. The registry calls it at
// every plugin start; callers may also invoke it periodically.
func (m *Manager) CleanupTmp(paths plugin.StoragePaths) error {
	entries, err := os.ReadDir(paths.TmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("vfs: read tmp dir: %w", err)
	}
	for _, entry := range entries {
		full := filepath.Join(paths.TmpDir, entry.Name())
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("vfs: remove %s: %w", full, err)
		}
	}
	return nil
}

// DiskUsage returns the total size in bytes of everything under the
// plugin's storage root.
func (m *Manager) DiskUsage(paths plugin.StoragePaths) (int64, error) {
	var total int64
	err := filepath.Walk(paths.Root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("vfs: walk %s: %w", paths.Root, err)
	}
	return total, nil
}

// Destroy removes a plugin's entire storage root. Called on uninstall.
func (m *Manager) Destroy(paths plugin.StoragePaths) error {
	if err := os.RemoveAll(paths.Root); err != nil {
		return fmt.Errorf("vfs: destroy %s: %w", paths.Root, err)
	}
	return nil
}

// ResolveGuestPath resolves a guest-relative path against vfsRoot and
// rejects anything whose ".." segments would escape it. The check is
// lexical: an absolute guest path is joined beneath vfsRoot rather than
// rejected, and symlinks are not resolved, so a symlink inside vfsRoot
// that points elsewhere is not detected.
func ResolveGuestPath(vfsRoot, guestPath string) (string, error) {
	joined := filepath.Join(vfsRoot, guestPath)
	rel, err := filepath.Rel(vfsRoot, joined)
	if err != nil {
		return "", fmt.Errorf("vfs: resolve %q: %w", guestPath, err)
	}
	if rel == ".." || (len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("vfs: path %q escapes plugin root", guestPath)
	}
	return joined, nil
}
