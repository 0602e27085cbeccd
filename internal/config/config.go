package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/psantana5/pvf-worker/internal/governor"
	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PVF_WORKER_SOCKET
const EnvPrefix = "PVF_WORKER"

// Keys shared by flags, environment, and config file
const (
	KeySocket          = "socket"
	KeyCPUTimeLimit    = "cpu-time-limit"
	KeyMemoryLimit     = "memory-limit"
	KeyWallClockLimit  = "wall-clock-limit"
	KeyCacheDir        = "cache-dir"
	KeyReusable        = "reusable"
	KeyMaxJobs         = "max-jobs"
	KeySampleInterval  = "sample-interval"
	KeyReportGrace     = "report-grace"
	KeyLogLevel        = "log-level"
	KeyLogJSON         = "log-json"
	KeyLogDir          = "log-dir"
	KeyMetricsAddr     = "metrics-addr"
	KeyMetricsTextfile = "metrics-textfile"
	KeyTracingEndpoint = "tracing-endpoint"
	KeyEnvironment     = "environment"
)

// Config is the resolved worker configuration
type Config struct {
	Socket          string        `yaml:"socket"`
	CPUTimeLimit    time.Duration `yaml:"cpu_time_limit"`
	MemoryLimit     uint64        `yaml:"memory_limit"`
	WallClockLimit  time.Duration `yaml:"wall_clock_limit"`
	CacheDir        string        `yaml:"cache_dir"`
	Reusable        bool          `yaml:"reusable"`
	MaxJobs         int           `yaml:"max_jobs"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	ReportGrace     time.Duration `yaml:"report_grace"`
	LogLevel        string        `yaml:"log_level"`
	LogJSON         bool          `yaml:"log_json"`
	LogDir          string        `yaml:"log_dir,omitempty"`
	MetricsAddr     string        `yaml:"metrics_addr,omitempty"`
	MetricsTextfile string        `yaml:"metrics_textfile,omitempty"`
	TracingEndpoint string        `yaml:"tracing_endpoint,omitempty"`
	Environment     string        `yaml:"environment"`
}

// BindFlags registers worker flags on cmd and binds them into v.
// Environment variables use EnvPrefix with dashes as underscores.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	f := cmd.PersistentFlags()
	f.String(KeySocket, "", "Unix socket of the host (required)")
	f.Duration(KeyCPUTimeLimit, 10*time.Second, "default CPU time budget per job")
	f.String(KeyMemoryLimit, "512MiB", "default memory budget per job")
	f.Duration(KeyWallClockLimit, 30*time.Second, "default wall clock budget per job")
	f.String(KeyCacheDir, "", "compilation cache directory shared with the host")
	f.Bool(KeyReusable, false, "return to idle after a job instead of exiting")
	f.Int(KeyMaxJobs, 0, "jobs served by a reusable worker before exiting (0 = unlimited)")
	f.Duration(KeySampleInterval, governor.DefaultSampleInterval, "resource sampling interval")
	f.Duration(KeyReportGrace, 100*time.Millisecond, "time allowed to report a breach before exiting")
	f.String(KeyLogLevel, "info", "log level: debug, info, warn, error")
	f.Bool(KeyLogJSON, false, "log in JSON")
	f.String(KeyLogDir, "", "also write logs to this directory")
	f.String(KeyMetricsAddr, "", "serve Prometheus metrics on this address")
	f.String(KeyMetricsTextfile, "", "write metrics in text format to this file on exit")
	f.String(KeyTracingEndpoint, "", "OTLP HTTP endpoint (host:port); tracing is off when empty")
	f.String(KeyEnvironment, "production", "deployment environment reported in traces")

	if err := v.BindPFlags(f); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// ReadFile merges a YAML config file into v. Flags and environment still
// take precedence over file values.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// Load resolves and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	mem, err := humanize.ParseBytes(v.GetString(KeyMemoryLimit))
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", KeyMemoryLimit, v.GetString(KeyMemoryLimit), err)
	}

	cfg := &Config{
		Socket:          v.GetString(KeySocket),
		CPUTimeLimit:    v.GetDuration(KeyCPUTimeLimit),
		MemoryLimit:     mem,
		WallClockLimit:  v.GetDuration(KeyWallClockLimit),
		CacheDir:        v.GetString(KeyCacheDir),
		Reusable:        v.GetBool(KeyReusable),
		MaxJobs:         v.GetInt(KeyMaxJobs),
		SampleInterval:  v.GetDuration(KeySampleInterval),
		ReportGrace:     v.GetDuration(KeyReportGrace),
		LogLevel:        v.GetString(KeyLogLevel),
		LogJSON:         v.GetBool(KeyLogJSON),
		LogDir:          v.GetString(KeyLogDir),
		MetricsAddr:     v.GetString(KeyMetricsAddr),
		MetricsTextfile: v.GetString(KeyMetricsTextfile),
		TracingEndpoint: v.GetString(KeyTracingEndpoint),
		Environment:     v.GetString(KeyEnvironment),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later and obscurely
func (c *Config) Validate() error {
	var errs []error
	if c.Socket == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeySocket))
	}
	if err := c.Budget().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("default budget: %w", err))
	}
	if c.MaxJobs < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMaxJobs))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeySampleInterval))
	}
	if c.SampleInterval > 0 && c.WallClockLimit > 0 && c.SampleInterval >= c.WallClockLimit {
		errs = append(errs, fmt.Errorf("%s must be shorter than %s", KeySampleInterval, KeyWallClockLimit))
	}
	return errors.Join(errs...)
}

// Budget returns the spawn-time default budget
func (c *Config) Budget() models.Budget {
	return models.Budget{
		CPUTimeLimit:      c.CPUTimeLimit,
		MemoryLimit:       c.MemoryLimit,
		WallClockDeadline: c.WallClockLimit,
	}
}
