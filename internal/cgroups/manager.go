package cgroups

// Confinement is best effort. A worker that cannot be placed in a cgroup
// still runs under its own governor.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultRoot is where the unified hierarchy is mounted
	DefaultRoot = "/sys/fs/cgroup"
	// Namespace groups every worker cgroup under one directory
	Namespace = "pvf"
)

// Manager creates, joins and removes per-worker cgroups
type Manager struct {
	root    string
	version int
}

// New creates a manager for the host hierarchy
func New() *Manager {
	return NewWithRoot(DefaultRoot)
}

// NewWithRoot creates a manager rooted at root, detecting the version there
func NewWithRoot(root string) *Manager {
	return &Manager{root: root, version: Version(root)}
}

// Version returns the cgroup version mounted at root (1 or 2)
func Version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Create makes the cgroup for a worker.
// Returns an empty path without error when the host denies access.
func (m *Manager) Create(name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("worker-%d", os.Getpid())
	}

	base := m.root
	if m.version == 1 {
		base = filepath.Join(m.root, "memory")
	}
	path := filepath.Join(base, Namespace, name)

	if err := os.MkdirAll(path, 0755); err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to create cgroup %s: %w", path, err)
	}
	return path, nil
}

// Join moves pid into the cgroup at path
func (m *Manager) Join(path string, pid int) error {
	if path == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return writeValue(path, "cgroup.procs", fmt.Sprintf("%d", pid))
}

// Apply writes limits into the cgroup at path
func (m *Manager) Apply(path string, limits Limits) error {
	if path == "" {
		return nil
	}
	if err := limits.Validate(); err != nil {
		return err
	}

	var errs []error
	if limits.MemoryMax > 0 {
		file := "memory.max"
		if m.version == 1 {
			file = "memory.limit_in_bytes"
		}
		errs = append(errs, writeValue(path, file, fmt.Sprintf("%d", limits.MemoryMax)))
	}
	if limits.PidsMax > 0 && m.version == 2 {
		errs = append(errs, writeValue(path, "pids.max", fmt.Sprintf("%d", limits.PidsMax)))
	}
	return errors.Join(errs...)
}

// OOMKills returns how many processes the kernel OOM killer took from the
// cgroup at path. v1 hierarchies report zero.
func (m *Manager) OOMKills(path string) (int, error) {
	if path == "" || m.version != 2 {
		return 0, nil
	}
	data, err := os.ReadFile(filepath.Join(path, "memory.events"))
	if err != nil {
		return 0, fmt.Errorf("failed to read memory.events: %w", err)
	}
	return parseOOMKills(string(data)), nil
}

// Delete removes the cgroup directory. It must be empty.
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cgroup %s: %w", path, err)
	}
	return nil
}

func parseOOMKills(events string) int {
	for _, line := range strings.Split(events, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			var n int
			if _, err := fmt.Sscanf(fields[1], "%d", &n); err == nil {
				return n
			}
		}
	}
	return 0
}

func writeValue(path, file, value string) error {
	if err := os.WriteFile(filepath.Join(path, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	return nil
}
