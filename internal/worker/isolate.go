package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/pkg/models"
)

// TerminationSignals are caught and turned into an orderly exit
var TerminationSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP}

// NotifySignals subscribes to TerminationSignals
func NotifySignals() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, TerminationSignals...)
	return ch
}

// invoke calls the runner. A panic becomes an internal error and marks the
// worker as unfit for further jobs.
func (w *Worker) invoke(ctx context.Context, req *models.JobRequest) (outcome models.Outcome, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job panicked", logging.Fields{
				"job_id": req.JobID,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
			outcome = internalError(req.JobID, fmt.Sprintf("panic: %v", r))
			panicked = true
		}
	}()

	switch req.Kind {
	case models.JobKindPrepare:
		art, err := w.runner.Prepare(ctx, req.Prepare)
		if err != nil {
			return models.OutcomeFromError(req.JobID, err), false
		}
		return models.Outcome{JobID: req.JobID, Kind: models.OutcomeSuccess, Artifact: art}, false

	case models.JobKindExecute:
		result, err := w.runner.Execute(ctx, req.Execute)
		if err != nil {
			return models.OutcomeFromError(req.JobID, err), false
		}
		return models.Outcome{JobID: req.JobID, Kind: models.OutcomeSuccess, Result: result}, false
	}

	return internalError(req.JobID, fmt.Sprintf("unknown job kind %s", req.Kind)), false
}

func (w *Worker) watchSignals(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.exiting:
	case sig := <-w.signals:
		w.onSignal(sig)
	}
}

// onSignal reports Crashed for a job in flight, then exits. An idle worker
// exits without reporting anything.
func (w *Worker) onSignal(sig os.Signal) {
	w.mu.Lock()
	j := w.current
	var metrics models.Metrics
	if j != nil && j.watch != nil {
		metrics = j.watch.Metrics()
	}
	w.mu.Unlock()

	w.logger.Warn("Termination signal received", logging.Fields{"signal": sig.String()})

	if j != nil {
		j.cancel(fmt.Errorf("terminated by %s", sig))
		w.reportWithin(j, models.Outcome{
			JobID:   j.req.JobID,
			Kind:    models.OutcomeCrashed,
			Code:    signalNumber(sig),
			Reason:  "terminated by " + sig.String(),
			Metrics: metrics,
		})
	}
	w.terminate(models.ExitSignaled)
}

func signalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 0
}
