package main

import (
	"fmt"
	"os"

	"github.com/psantana5/pvf-worker/internal/bootstrap"
	"github.com/psantana5/pvf-worker/internal/engine"
	"github.com/psantana5/pvf-worker/internal/worker"
	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

func engineRunner(env bootstrap.Env) (worker.Runner, error) {
	adapter, err := engine.New(engine.Config{CacheDir: env.Config.CacheDir, Logger: env.Logger})
	if err != nil {
		return nil, err
	}
	env.Cleanup("engine", adapter.Close)
	return adapter, nil
}

func main() {
	root := &cobra.Command{
		Use:   "pvf-worker",
		Short: "Sandboxed worker for preparing and executing validation code",
		Long: `pvf-worker is spawned by a validation host, connects back over a Unix
socket, and runs prepare or execute jobs one at a time under a CPU, memory
and wall clock budget. Each job ends with exactly one outcome.

Exit codes:
  0   orderly exit
  10  internal error
  11  cpu time or wall clock budget exceeded
  12  memory budget exceeded
  13  termination signal
  14  malformed message from the host`,
		SilenceUsage: true,
	}

	root.AddCommand(
		bootstrap.Command("prepare", "Compile validation code into artifacts", worker.KindPrepare, Version, engineRunner),
		bootstrap.Command("execute", "Run prepared artifacts against inputs", worker.KindExecute, Version, engineRunner),
		&cobra.Command{
			Use:   "version",
			Short: "Print the worker and engine versions",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("pvf-worker %s (%s)\n", Version, engine.Version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(models.ExitInternalError)
	}
}
