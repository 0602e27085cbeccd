// Command pvf-puppet is a scriptable worker for host tests. It speaks the
// worker protocol but interprets each job payload as a behavior command.
package main

import (
	"fmt"
	"os"

	"github.com/psantana5/pvf-worker/internal/bootstrap"
	"github.com/psantana5/pvf-worker/internal/puppet"
	"github.com/psantana5/pvf-worker/internal/worker"
	"github.com/psantana5/pvf-worker/pkg/models"
)

func main() {
	cmd := bootstrap.Command("pvf-puppet", "Scriptable test double for pvf-worker", worker.KindAny, puppet.Version,
		func(env bootstrap.Env) (worker.Runner, error) {
			return puppet.New(env.Conn, puppet.WithLogger(env.Logger)), nil
		})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(models.ExitInternalError)
	}
}
