package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := viper.New()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	require.NoError(t, BindFlags(cmd, v))
	require.NoError(t, cmd.ParseFlags(args))
	return v
}

func TestLoadFromFlags(t *testing.T) {
	v := setup(t,
		"--socket", "/run/pvf.sock",
		"--memory-limit", "1GiB",
		"--cpu-time-limit", "2s",
		"--reusable",
		"--max-jobs", "5",
	)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/run/pvf.sock", cfg.Socket)
	assert.Equal(t, uint64(1<<30), cfg.MemoryLimit)
	assert.Equal(t, 2*time.Second, cfg.Budget().CPUTimeLimit)
	assert.Equal(t, 30*time.Second, cfg.Budget().WallClockDeadline)
	assert.True(t, cfg.Reusable)
	assert.Equal(t, 5, cfg.MaxJobs)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("PVF_WORKER_SOCKET", "/tmp/env.sock")
	t.Setenv("PVF_WORKER_WALL_CLOCK_LIMIT", "45s")

	cfg, err := Load(setup(t))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.sock", cfg.Socket)
	assert.Equal(t, 45*time.Second, cfg.WallClockLimit)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket: /from/file.sock\nmemory-limit: 64MiB\n"), 0644))

	v := setup(t, "--memory-limit", "128MiB")
	require.NoError(t, ReadFile(v, path))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/from/file.sock", cfg.Socket)
	assert.Equal(t, uint64(128<<20), cfg.MemoryLimit, "flags win over the file")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing socket", nil},
		{"bad size", []string{"--socket", "s", "--memory-limit", "lots"}},
		{"zero cpu", []string{"--socket", "s", "--cpu-time-limit", "0s"}},
		{"negative max jobs", []string{"--socket", "s", "--max-jobs", "-1"}},
		{"sampling slower than deadline", []string{"--socket", "s", "--sample-interval", "1m"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(setup(t, tt.args...))
			assert.Error(t, err)
		})
	}
}
