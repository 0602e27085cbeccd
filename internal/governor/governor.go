// Package governor enforces per-job CPU time, memory, and wall-clock budgets
// by sampling the worker process.
//
// Enforcement is by polling, so a breach is detected late by at most one
// SampleInterval plus the time to take a sample. CPU time can overshoot by
// up to SampleInterval of CPU per running thread; memory can overshoot by
// whatever the job allocates within one SampleInterval. Wall clock is armed
// as a timer and fires on time.
//
// After detection the worker waits at most its report grace period for the
// outcome to be written and then exits without further cleanup. The process
// is therefore gone within SampleInterval plus the report grace of crossing
// a CPU or memory budget, and within the report grace of the wall-clock
// deadline.
package governor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/pvf-worker/pkg/models"
)

const (
	// DefaultSampleInterval is how often usage is polled during a job
	DefaultSampleInterval = 10 * time.Millisecond

	// DefaultMaxSampleFailures is how many samples in a row may fail before
	// the job is stopped as unmeasurable
	DefaultMaxSampleFailures = 10
)

// ErrBusy is returned when Start is called while a job is being measured
var ErrBusy = errors.New("governor already measuring a job")

// State of a single measurement
type State int32

const (
	StateIdle State = iota
	StateMeasuring
	StateOk
	StateBreached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMeasuring:
		return "measuring"
	case StateOk:
		return "ok"
	case StateBreached:
		return "breached"
	default:
		return "unknown"
	}
}

// Resource names the budget dimension that was exceeded
type Resource int

const (
	ResourceCPUTime Resource = iota
	ResourceMemory
	ResourceWallClock
	ResourceSampler // usage could not be read
)

func (r Resource) String() string {
	switch r {
	case ResourceCPUTime:
		return "cpu_time"
	case ResourceMemory:
		return "memory"
	case ResourceWallClock:
		return "wall_clock"
	case ResourceSampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// Breach describes an exceeded budget
type Breach struct {
	Resource Resource
	Budget   models.Budget
	Metrics  models.Metrics
	Err      error // last sampler error, for ResourceSampler
}

func (b Breach) String() string {
	switch b.Resource {
	case ResourceCPUTime:
		return fmt.Sprintf("cpu time %s exceeded limit %s", b.Metrics.CPUTime, b.Budget.CPUTimeLimit)
	case ResourceMemory:
		return fmt.Sprintf("resident memory %d bytes exceeded limit %d", b.Metrics.PeakMemory, b.Budget.MemoryLimit)
	case ResourceSampler:
		return fmt.Sprintf("resource usage unavailable: %v", b.Err)
	default:
		return fmt.Sprintf("wall clock %s exceeded deadline %s", b.Metrics.WallTime, b.Budget.WallClockDeadline)
	}
}

// Outcome converts the breach into the outcome reported for jobID
func (b Breach) Outcome(jobID string) models.Outcome {
	if b.Resource == ResourceSampler {
		return models.Outcome{
			JobID:   jobID,
			Kind:    models.OutcomeInternalError,
			Detail:  models.ErrorKindInternal,
			Reason:  b.String(),
			Metrics: b.Metrics,
		}
	}
	kind := models.OutcomeTimeout
	if b.Resource == ResourceMemory {
		kind = models.OutcomeOutOfMemory
	}
	return models.Outcome{JobID: jobID, Kind: kind, Reason: b.String(), Metrics: b.Metrics}
}

// ExitCode is the worker exit code that follows this breach
func (b Breach) ExitCode() int {
	switch b.Resource {
	case ResourceMemory:
		return models.ExitOutOfMemory
	case ResourceSampler:
		return models.ExitInternalError
	default:
		return models.ExitTimeout
	}
}

// Handler is called at most once per job, from a governor goroutine
type Handler func(Breach)

// Config configures a Governor
type Config struct {
	SampleInterval time.Duration

	// MaxSampleFailures consecutive failed samples end the job with a
	// ResourceSampler breach. Zero means DefaultMaxSampleFailures.
	MaxSampleFailures int

	// OnSampleError, if set, sees the first failure of each run of failed
	// samples
	OnSampleError func(err error)
}

// Governor measures one job at a time
type Governor struct {
	interval    time.Duration
	maxFailures int
	onError     func(error)
	sampler     Sampler
	onBreach    Handler

	mu     sync.Mutex
	active *Watch
}

// New creates a governor
func New(cfg Config, sampler Sampler, onBreach Handler) *Governor {
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	maxFailures := cfg.MaxSampleFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxSampleFailures
	}
	return &Governor{
		interval:    interval,
		maxFailures: maxFailures,
		onError:     cfg.OnSampleError,
		sampler:     sampler,
		onBreach:    onBreach,
	}
}

// Interval returns the effective sampling interval
func (g *Governor) Interval() time.Duration {
	return g.interval
}

// Watch is the measurement of one job
type Watch struct {
	g        *Governor
	budget   models.Budget
	baseline Usage
	start    time.Time

	state   atomic.Int32
	cpu     atomic.Int64 // nanoseconds above baseline, last sample
	peak    atomic.Uint64
	wall    atomic.Int64 // frozen when the measurement ends
	done    chan struct{}
	stopped sync.Once
	timer   *time.Timer
}

// Start begins measuring a job against budget. CPU time is counted from
// this call; memory is the absolute resident size of the process.
func (g *Governor) Start(budget models.Budget) (*Watch, error) {
	if err := budget.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil {
		return nil, ErrBusy
	}

	baseline, err := g.sampler.Sample()
	if err != nil {
		return nil, fmt.Errorf("failed to take baseline sample: %w", err)
	}

	w := &Watch{
		g:        g,
		budget:   budget,
		baseline: baseline,
		start:    time.Now(),
		done:     make(chan struct{}),
	}
	w.state.Store(int32(StateMeasuring))
	w.peak.Store(baseline.RSS)
	g.active = w

	armed := make(chan struct{})
	w.timer = time.AfterFunc(budget.WallClockDeadline, func() {
		<-armed
		w.breach(ResourceWallClock)
	})
	close(armed)
	go w.loop()

	return w, nil
}

func (w *Watch) loop() {
	ticker := time.NewTicker(w.g.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.sample(); err != nil {
				failures++
				if failures == 1 && w.g.onError != nil {
					w.g.onError(err)
				}
				if failures >= w.g.maxFailures {
					w.breachWith(ResourceSampler, fmt.Errorf("%d samples failed in a row: %w", failures, err))
					return
				}
				continue
			}
			failures = 0
			switch {
			case time.Duration(w.cpu.Load()) > w.budget.CPUTimeLimit:
				w.breach(ResourceCPUTime)
				return
			case w.peak.Load() > w.budget.MemoryLimit:
				w.breach(ResourceMemory)
				return
			}
		}
	}
}

// sample records one reading
func (w *Watch) sample() error {
	u, err := w.g.sampler.Sample()
	if err != nil {
		return err
	}

	cpu := u.CPUTime - w.baseline.CPUTime
	if cpu < 0 {
		cpu = 0
	}
	w.cpu.Store(int64(cpu))

	for {
		prev := w.peak.Load()
		if u.RSS <= prev || w.peak.CompareAndSwap(prev, u.RSS) {
			break
		}
	}
	return nil
}

func (w *Watch) breach(r Resource) {
	w.breachWith(r, nil)
}

func (w *Watch) breachWith(r Resource, err error) {
	if !w.state.CompareAndSwap(int32(StateMeasuring), int32(StateBreached)) {
		return
	}
	w.finish()
	if w.g.onBreach != nil {
		w.g.onBreach(Breach{Resource: r, Budget: w.budget, Metrics: w.Metrics(), Err: err})
	}
}

// Stop ends the measurement. It returns false when a breach already won,
// in which case the breach handler owns reporting for this job.
func (w *Watch) Stop() (models.Metrics, bool) {
	if !w.state.CompareAndSwap(int32(StateMeasuring), int32(StateOk)) {
		return w.Metrics(), false
	}
	_ = w.sample()
	w.finish()
	return w.Metrics(), true
}

func (w *Watch) finish() {
	w.stopped.Do(func() {
		w.wall.Store(int64(time.Since(w.start)))
		w.timer.Stop()
		close(w.done)

		w.g.mu.Lock()
		if w.g.active == w {
			w.g.active = nil
		}
		w.g.mu.Unlock()
	})
}

// State returns the current measurement state
func (w *Watch) State() State {
	return State(w.state.Load())
}

// Metrics returns usage observed so far
func (w *Watch) Metrics() models.Metrics {
	wall := time.Duration(w.wall.Load())
	if wall == 0 {
		wall = time.Since(w.start)
	}
	return models.Metrics{
		CPUTime:    time.Duration(w.cpu.Load()),
		PeakMemory: w.peak.Load(),
		WallTime:   wall,
	}
}
