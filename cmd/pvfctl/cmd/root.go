package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/psantana5/pvf-worker/internal/cgroups"
	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/psantana5/pvf-worker/pkg/wrapper"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pvfctl",
	Short: "Run single prepare and execute jobs through a pvf worker",
	Long: `pvfctl spawns a pvf-worker, hands it one job over the worker protocol,
and prints the outcome. It is the host side of the protocol in its smallest
form, useful for checking validation code and worker installations.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pvfctl/config.yaml)")
	f.StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	f.String("worker", "pvf-worker", "worker binary to spawn")
	f.Duration("cpu-time-limit", 10*time.Second, "job CPU time budget")
	f.String("memory-limit", "512MiB", "job memory budget")
	f.Duration("wall-clock-limit", 30*time.Second, "job wall clock budget")
	f.String("cache-dir", "", "compilation cache directory passed to the worker")
	f.Bool("cgroup", false, "confine the worker in a cgroup when the host allows it")
	f.Bool("verbose", false, "show worker logs")

	viper.BindPFlags(f)
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.pvfctl")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PVFCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

func budget() (models.Budget, error) {
	mem, err := humanize.ParseBytes(viper.GetString("memory-limit"))
	if err != nil {
		return models.Budget{}, fmt.Errorf("invalid memory limit: %w", err)
	}
	b := models.Budget{
		CPUTimeLimit:      viper.GetDuration("cpu-time-limit"),
		MemoryLimit:       mem,
		WallClockDeadline: viper.GetDuration("wall-clock-limit"),
	}
	return b, b.Validate()
}

// runJob spawns a worker of the given kind, submits job, and shuts it down
func runJob(ctx context.Context, kind string, job *models.JobRequest) (models.Outcome, []wrapper.LifecycleEvent, error) {
	b, err := budget()
	if err != nil {
		return models.Outcome{}, nil, err
	}
	job.Budget = b

	args := []string{
		kind,
		"--cpu-time-limit", b.CPUTimeLimit.String(),
		"--memory-limit", fmt.Sprintf("%d", b.MemoryLimit),
		"--wall-clock-limit", b.WallClockDeadline.String(),
	}
	if dir := viper.GetString("cache-dir"); dir != "" {
		args = append(args, "--cache-dir", dir)
	}

	cfg := wrapper.Config{
		Command:  viper.GetString("worker"),
		Args:     args,
		Defaults: b,
		Logger:   logging.NewLogger(logging.WARN, false),
	}
	if !viper.GetBool("verbose") {
		cfg.Stderr = io.Discard
	}
	if viper.GetBool("cgroup") {
		// headroom above the budget so the worker's own governor acts first
		cfg.Cgroup = &cgroups.Limits{MemoryMax: int64(b.MemoryLimit) * 2, PidsMax: 64}
	}

	w := wrapper.New(cfg)
	if err := w.Start(ctx); err != nil {
		return models.Outcome{}, w.Events(), err
	}

	outcome, err := w.Submit(ctx, job)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, serr := w.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return outcome, w.Events(), err
}
