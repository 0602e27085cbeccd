package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/psantana5/pvf-worker/internal/governor"
	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/internal/report"
	"github.com/psantana5/pvf-worker/internal/tracing"
	"github.com/psantana5/pvf-worker/internal/transport"
	"github.com/psantana5/pvf-worker/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultReportGrace bounds how long a breach or signal waits for its
// outcome to be written before the process exits anyway.
const DefaultReportGrace = 100 * time.Millisecond

// Kind is the class of jobs a worker accepts
type Kind string

const (
	KindPrepare Kind = "prepare"
	KindExecute Kind = "execute"
	KindAny     Kind = "any" // test doubles only
)

// Accepts reports whether a worker of kind k may run jobs of kind j
func (k Kind) Accepts(j models.JobKind) bool {
	switch k {
	case KindPrepare:
		return j == models.JobKindPrepare
	case KindExecute:
		return j == models.JobKindExecute
	case KindAny:
		return j == models.JobKindPrepare || j == models.JobKindExecute
	default:
		return false
	}
}

// Runner does the actual work of a job.
// Errors classified as *models.JobError become candidate or internal
// outcomes; any other error is internal.
type Runner interface {
	Prepare(ctx context.Context, job *models.PrepareJob) (*models.Artifact, error)
	Execute(ctx context.Context, job *models.ExecuteJob) ([]byte, error)
}

// Config controls worker policy
type Config struct {
	Kind Kind
	// Defaults fill budget fields a job leaves at zero
	Defaults models.Budget
	// Reusable workers return to idle after a job, up to MaxJobs (0 = no limit)
	Reusable    bool
	MaxJobs     int
	ReportGrace time.Duration
	Version     string
	Governor    governor.Config
}

// Worker runs jobs received over a transport, one at a time
type Worker struct {
	cfg     Config
	conn    *transport.Conn
	runner  Runner
	gov     *governor.Governor
	sampler governor.Sampler
	logger  *logging.Logger
	metrics *report.Metrics
	tracer  trace.Tracer
	signals <-chan os.Signal
	exit    func(int)
	pid     int

	mu      sync.Mutex
	state   models.WorkerState
	current *job
	jobs    int

	exitOnce sync.Once
	exiting  chan struct{}
	exitCode int
}

// job is the bookkeeping for the request in flight
type job struct {
	req    *models.JobRequest
	start  time.Time
	watch  *governor.Watch
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	reported bool
}

// Option configures a Worker
type Option func(*Worker)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics records every result into m
func WithMetrics(m *report.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer sets the tracer used for job spans
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithSignals delivers termination signals to the worker
func WithSignals(ch <-chan os.Signal) Option {
	return func(w *Worker) { w.signals = ch }
}

// WithSampler overrides the process sampler used by the governor
func WithSampler(s governor.Sampler) Option {
	return func(w *Worker) { w.sampler = s }
}

// WithExit replaces os.Exit for breach and signal termination
func WithExit(fn func(int)) Option {
	return func(w *Worker) { w.exit = fn }
}

// New creates a worker bound to conn
func New(cfg Config, conn *transport.Conn, runner Runner, opts ...Option) (*Worker, error) {
	if cfg.ReportGrace <= 0 {
		cfg.ReportGrace = DefaultReportGrace
	}

	w := &Worker{
		cfg:     cfg,
		conn:    conn,
		runner:  runner,
		exit:    os.Exit,
		pid:     os.Getpid(),
		state:   models.StateIdle,
		exiting: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = logging.NewLogger(logging.INFO, false)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer("pvf-worker")
	}
	if w.sampler == nil {
		s, err := governor.NewProcessSampler()
		if err != nil {
			return nil, err
		}
		w.sampler = s
	}
	gcfg := cfg.Governor
	if gcfg.OnSampleError == nil {
		gcfg.OnSampleError = func(err error) {
			w.logger.Warn("Resource sample failed", logging.Fields{"error": err.Error()})
		}
	}
	w.gov = governor.New(gcfg, w.sampler, w.onBreach)

	return w, nil
}

// State returns the lifecycle state
func (w *Worker) State() models.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run announces the worker to the host and serves jobs until the host
// shuts it down or a fault ends the process. It returns the exit code.
func (w *Worker) Run(ctx context.Context) int {
	hello := &models.Hello{PID: w.pid, Kind: string(w.cfg.Kind), Version: w.cfg.Version}
	if err := w.conn.Send(&models.WorkerMessage{Hello: hello}); err != nil {
		w.logger.Error("Failed to greet host", logging.Fields{"error": err.Error()})
		return w.finish(models.ExitInternalError)
	}

	if w.signals != nil {
		go w.watchSignals(ctx)
	}

	for {
		var msg models.HostMessage
		err := w.conn.Receive(&msg)
		if code, ok := w.exitRequested(); ok {
			return code
		}

		switch {
		case err == nil:
		case errors.Is(err, transport.ErrClosed):
			w.logger.Info("Host closed the channel")
			return w.finish(models.ExitOK)
		case errors.Is(err, transport.ErrMalformed):
			w.logger.Error("Malformed message from host", logging.Fields{"error": err.Error()})
			return w.finish(models.ExitMalformed)
		default:
			w.logger.Error("Failed to receive from host", logging.Fields{"error": err.Error()})
			return w.finish(models.ExitInternalError)
		}

		if msg.Shutdown {
			w.logger.Info("Shutdown requested by host")
			return w.finish(models.ExitOK)
		}

		if code, next := w.handle(ctx, msg.Job); !next {
			return code
		}
	}
}

// handle runs one job through dispatch, execution, and reporting.
// It returns false when the worker must exit with the returned code.
func (w *Worker) handle(ctx context.Context, req *models.JobRequest) (int, bool) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	j := &job{req: req, start: time.Now(), cancel: cancel}
	if !w.begin(j) {
		return w.awaitExit()
	}

	ctx, span := tracing.StartJob(ctx, w.tracer, req)
	logger := w.logger.WithFields(logging.Fields{"job_id": req.JobID, "kind": req.Kind.String()})
	logger.Debug("Job received")

	budget, err := w.admit(req)
	if err != nil {
		logger.Warn("Job rejected", logging.Fields{"error": err.Error()})
		return w.complete(j, span, internalError(req.JobID, err.Error()), false)
	}

	debug.SetMemoryLimit(int64(budget.MemoryLimit))

	watch, err := w.gov.Start(budget)
	if err != nil {
		return w.complete(j, span, internalError(req.JobID, err.Error()), false)
	}
	w.mu.Lock()
	j.watch = watch
	w.mu.Unlock()

	if !w.transition(models.StateRunning) {
		watch.Stop()
		span.End()
		return w.awaitExit()
	}
	if w.metrics != nil {
		w.metrics.IncrStarted(req.Kind.String())
	}

	outcome, panicked := w.invoke(ctx, req)

	metrics, won := watch.Stop()
	if !won {
		// The governor already reported a breach and is ending the process.
		span.End()
		return w.awaitExit()
	}
	outcome.Metrics = metrics

	return w.complete(j, span, outcome, panicked)
}

func (w *Worker) admit(req *models.JobRequest) (models.Budget, error) {
	if err := req.Validate(); err != nil {
		return models.Budget{}, fmt.Errorf("invalid job: %w", err)
	}
	if !w.cfg.Kind.Accepts(req.Kind) {
		return models.Budget{}, fmt.Errorf("%s worker cannot run %s jobs", w.cfg.Kind, req.Kind)
	}
	budget := req.Budget.Merge(w.cfg.Defaults)
	if err := budget.Validate(); err != nil {
		return models.Budget{}, fmt.Errorf("invalid budget: %w", err)
	}
	return budget, nil
}

// complete reports the outcome and applies the reuse policy
func (w *Worker) complete(j *job, span trace.Span, outcome models.Outcome, fatal bool) (int, bool) {
	if !w.transition(models.StateReporting) {
		span.End()
		return w.awaitExit()
	}

	sent, err := w.report(j, outcome)
	tracing.EndJob(span, outcome)
	if !sent {
		return w.awaitExit()
	}
	if err != nil || fatal {
		return w.finish(models.ExitInternalError), false
	}

	w.mu.Lock()
	w.current = nil
	w.jobs++
	again := w.cfg.Reusable && (w.cfg.MaxJobs <= 0 || w.jobs < w.cfg.MaxJobs)
	w.mu.Unlock()

	if !again {
		return w.finish(models.ExitOK), false
	}
	if !w.transition(models.StateIdle) {
		return w.awaitExit()
	}
	return 0, true
}

// report sends the single outcome for j. It returns false if another path
// already reported this job.
func (w *Worker) report(j *job, outcome models.Outcome) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.reported {
		return false, nil
	}
	j.reported = true

	err := w.conn.Send(&models.WorkerMessage{Outcome: &outcome})
	if err != nil {
		w.logger.Error("Failed to send outcome", logging.Fields{"job_id": outcome.JobID, "error": err.Error()})
	}

	result := report.NewResult(j.req.Kind, outcome, w.pid, j.start, time.Now())
	result.LogSummary(w.logger)
	if w.metrics != nil {
		w.metrics.RecordResult(result)
	}
	return true, err
}

// reportWithin reports o but gives up waiting after the report grace period
func (w *Worker) reportWithin(j *job, o models.Outcome) {
	done := make(chan struct{})
	go func() {
		w.report(j, o)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.ReportGrace):
		w.logger.Warn("Outcome not delivered within grace period", logging.Fields{
			"job_id": o.JobID,
			"grace":  w.cfg.ReportGrace.String(),
		})
	}
}

func (w *Worker) onBreach(b governor.Breach) {
	j := w.currentJob()
	if w.metrics != nil {
		w.metrics.RecordBreach(b.Resource.String())
	}
	w.logger.Warn("Budget breached", logging.Fields{"resource": b.Resource.String(), "detail": b.String()})

	if j != nil {
		// Stop the guest before reporting so it releases the CPU.
		j.cancel(fmt.Errorf("budget breached: %s", b))
		w.reportWithin(j, b.Outcome(j.req.JobID))
	}
	w.terminate(b.ExitCode())
}

func (w *Worker) begin(j *job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.transitionLocked(models.StateDispatching) {
		return false
	}
	w.current = j
	return true
}

func (w *Worker) currentJob() *job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Worker) transition(to models.WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(to)
}

// transitionLocked fails quietly once the worker is exiting; any other
// rejected transition is a bug and is logged.
func (w *Worker) transitionLocked(to models.WorkerState) bool {
	if err := models.ValidateTransition(w.state, to); err != nil {
		if w.state != models.StateExiting {
			w.logger.Error("Invalid state transition", logging.Fields{"error": err.Error()})
		}
		return false
	}
	w.state = to
	return true
}

// finish ends an orderly Run with code
func (w *Worker) finish(code int) int {
	w.mu.Lock()
	w.state = models.StateExiting
	w.mu.Unlock()
	w.exitOnce.Do(func() {
		w.exitCode = code
		close(w.exiting)
	})
	return code
}

// terminate ends the process from outside the main flow
func (w *Worker) terminate(code int) {
	w.finish(code)
	w.exit(code)
}

func (w *Worker) exitRequested() (int, bool) {
	select {
	case <-w.exiting:
		return w.exitCode, true
	default:
		return 0, false
	}
}

// awaitExit blocks the main flow while another path terminates the
// process. It only returns when exit has been replaced, as in tests.
func (w *Worker) awaitExit() (int, bool) {
	<-w.exiting
	return w.exitCode, false
}

func internalError(jobID, reason string) models.Outcome {
	return models.Outcome{
		JobID:  jobID,
		Kind:   models.OutcomeInternalError,
		Detail: models.ErrorKindInternal,
		Reason: reason,
	}
}
