// Package bootstrap turns a runner into a worker process: configuration,
// logging, metrics, tracing and orderly shutdown around worker.Run.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/psantana5/pvf-worker/internal/config"
	"github.com/psantana5/pvf-worker/internal/governor"
	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/internal/report"
	"github.com/psantana5/pvf-worker/internal/shutdown"
	"github.com/psantana5/pvf-worker/internal/tracing"
	"github.com/psantana5/pvf-worker/internal/transport"
	"github.com/psantana5/pvf-worker/internal/worker"
	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ShutdownTimeout bounds cleanup so a breach still ends the process promptly
const ShutdownTimeout = 500 * time.Millisecond

// Env is what a runner factory may use
type Env struct {
	Config *config.Config
	Conn   *transport.Conn
	Logger *logging.Logger
	// Cleanup runs the registered function during shutdown, in LIFO order
	Cleanup func(name string, fn func(context.Context) error)
}

// RunnerFactory builds the runner for a worker process
type RunnerFactory func(env Env) (worker.Runner, error)

// Command builds a cobra command that runs a worker of the given kind
func Command(use, short string, kind worker.Kind, version string, factory RunnerFactory) *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			os.Exit(Serve(cmd.Context(), cfg, kind, version, factory))
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file")
	if err := config.BindFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

// Serve connects to the host and runs the worker to completion.
// The returned value is the process exit code.
func Serve(ctx context.Context, cfg *config.Config, kind worker.Kind, version string, factory RunnerFactory) int {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := worker.SetParentDeathSignal(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set parent death signal: %v\n", err)
		return models.ExitInternalError
	}

	logger, err := newLogger(cfg, kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		return models.ExitInternalError
	}
	logger = logger.WithFields(logging.Fields{"kind": string(kind), "pid": os.Getpid()})

	sd := shutdown.New(ShutdownTimeout, logger)
	sd.Register("logger", func(context.Context) error { return logger.Close() })

	conn, err := transport.Dial(cfg.Socket)
	if err != nil {
		logger.Error("Failed to connect to host", logging.Fields{"socket": cfg.Socket, "error": err.Error()})
		sd.Shutdown()
		return models.ExitInternalError
	}
	sd.Register("transport", shutdown.CloseResource(conn, "transport"))

	metrics := report.NewMetrics(string(kind))
	if cfg.MetricsTextfile != "" {
		sd.Register("metrics textfile", func(context.Context) error {
			return metrics.WriteTextfile(cfg.MetricsTextfile)
		})
	}
	if cfg.MetricsAddr != "" {
		server := report.NewServer(cfg.MetricsAddr, metrics, logger)
		if err := server.Start(); err != nil {
			logger.Warn("Metrics server unavailable", logging.Fields{"addr": cfg.MetricsAddr, "error": err.Error()})
		} else {
			sd.Register("metrics server", shutdown.StopHTTPServer(server, "metrics"))
		}
	}

	provider, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "pvf-worker",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.TracingEndpoint,
		Enabled:        cfg.TracingEndpoint != "",
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", logging.Fields{"error": err.Error()})
		provider, _ = tracing.InitTracer(tracing.Config{ServiceName: "pvf-worker"}, logger)
	}
	sd.Register("tracer", provider.Shutdown)

	runner, err := factory(Env{Config: cfg, Conn: conn, Logger: logger, Cleanup: sd.Register})
	if err != nil {
		logger.Error("Failed to create runner", logging.Fields{"error": err.Error()})
		sd.Shutdown()
		return models.ExitInternalError
	}

	w, err := worker.New(worker.Config{
		Kind:        kind,
		Defaults:    cfg.Budget(),
		Reusable:    cfg.Reusable,
		MaxJobs:     cfg.MaxJobs,
		ReportGrace: cfg.ReportGrace,
		Version:     version,
		Governor:    governor.Config{SampleInterval: cfg.SampleInterval},
	}, conn, runner,
		worker.WithLogger(logger),
		worker.WithMetrics(metrics),
		worker.WithTracer(provider.Tracer()),
		worker.WithSignals(worker.NotifySignals()),
		// Breaches and signals exit as soon as the outcome is out; the
		// cleanup hooks only run on the orderly path below.
		worker.WithExit(os.Exit),
	)
	if err != nil {
		logger.Error("Failed to create worker", logging.Fields{"error": err.Error()})
		sd.Shutdown()
		return models.ExitInternalError
	}

	logger.Info("Worker started", logging.Fields{"socket": cfg.Socket, "reusable": cfg.Reusable})
	code := w.Run(ctx)
	logger.Info("Worker exiting", logging.Fields{"code": code})
	sd.Shutdown()
	return code
}

func newLogger(cfg *config.Config, kind worker.Kind) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.LogDir == "" {
		return logging.NewLogger(level, cfg.LogJSON), nil
	}
	return logging.NewFileLogger(cfg.LogDir, "pvf-worker-"+string(kind), level, cfg.LogJSON)
}
