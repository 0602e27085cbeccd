package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/psantana5/pvf-worker/internal/governor"
	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/internal/transport"
	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSampler struct{}

func (stubSampler) Sample() (governor.Usage, error) {
	return governor.Usage{RSS: 1 << 20}, nil
}

// brokenSampler serves the baseline and then fails
type brokenSampler struct{ calls atomic.Int32 }

func (s *brokenSampler) Sample() (governor.Usage, error) {
	if s.calls.Add(1) > 1 {
		return governor.Usage{}, errors.New("proc unreadable")
	}
	return governor.Usage{RSS: 1 << 20}, nil
}

// fakeRunner runs scripted functions
type fakeRunner struct {
	prepare func(*models.PrepareJob) (*models.Artifact, error)
	execute func(*models.ExecuteJob) ([]byte, error)
	blocked func(context.Context) ([]byte, error) // replaces execute when set
}

func (f *fakeRunner) Prepare(_ context.Context, job *models.PrepareJob) (*models.Artifact, error) {
	return f.prepare(job)
}

func (f *fakeRunner) Execute(ctx context.Context, job *models.ExecuteJob) ([]byte, error) {
	if f.blocked != nil {
		return f.blocked(ctx)
	}
	return f.execute(job)
}

func echoRunner() *fakeRunner {
	return &fakeRunner{
		prepare: func(j *models.PrepareJob) (*models.Artifact, error) {
			return &models.Artifact{Handle: models.ArtifactHandle{Path: j.ArtifactDir + "/a.pvfa"}}, nil
		},
		execute: func(j *models.ExecuteJob) ([]byte, error) {
			return j.Input, nil
		},
	}
}

var defaults = models.Budget{
	CPUTimeLimit:      time.Second,
	MemoryLimit:       256 << 20,
	WallClockDeadline: 5 * time.Second,
}

type harness struct {
	t      *testing.T
	host   *transport.Conn
	peer   net.Conn
	done   chan int
	exited chan int
	w      *Worker
}

func start(t *testing.T, cfg Config, runner Runner, opts ...Option) *harness {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	if cfg.Defaults == (models.Budget{}) {
		cfg.Defaults = defaults
	}
	if cfg.Governor.SampleInterval == 0 {
		cfg.Governor.SampleInterval = time.Millisecond
	}

	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(io.Discard)

	h := &harness{t: t, host: transport.New(b), peer: b, done: make(chan int, 1), exited: make(chan int, 1)}
	opts = append([]Option{
		WithLogger(logger),
		WithSampler(stubSampler{}),
		WithExit(func(code int) { h.exited <- code }),
	}, opts...)

	w, err := New(cfg, transport.New(a), runner, opts...)
	require.NoError(t, err)
	h.w = w

	go func() { h.done <- w.Run(context.Background()) }()

	var hello models.WorkerMessage
	require.NoError(t, h.host.Receive(&hello))
	require.NotNil(t, hello.Hello)
	assert.Equal(t, os.Getpid(), hello.Hello.PID)
	assert.Equal(t, string(cfg.Kind), hello.Hello.Kind)
	return h
}

func (h *harness) send(req *models.JobRequest) {
	h.t.Helper()
	require.NoError(h.t, h.host.Send(&models.HostMessage{Job: req}))
}

func (h *harness) outcome() models.Outcome {
	h.t.Helper()
	var msg models.WorkerMessage
	require.NoError(h.t, h.host.Receive(&msg))
	require.NotNil(h.t, msg.Outcome)
	return *msg.Outcome
}

func (h *harness) exitCode() int {
	h.t.Helper()
	select {
	case code := <-h.done:
		return code
	case <-time.After(3 * time.Second):
		h.t.Fatal("worker did not exit")
		return -1
	}
}

func (h *harness) terminated() int {
	h.t.Helper()
	select {
	case code := <-h.exited:
		return code
	case <-time.After(3 * time.Second):
		h.t.Fatal("worker did not terminate")
		return -1
	}
}

func executeJob(id string, input string) *models.JobRequest {
	return &models.JobRequest{
		JobID:   id,
		Kind:    models.JobKindExecute,
		Execute: &models.ExecuteJob{Artifact: models.ArtifactHandle{Path: "/a.pvfa"}, Input: []byte(input)},
	}
}

func TestSingleUseWorker(t *testing.T) {
	h := start(t, Config{Kind: KindExecute}, echoRunner())

	h.send(executeJob("j1", "pov"))
	o := h.outcome()
	assert.Equal(t, models.OutcomeSuccess, o.Kind)
	assert.Equal(t, "j1", o.JobID)
	assert.Equal(t, []byte("pov"), o.Result)
	assert.NotZero(t, o.Metrics.WallTime)

	assert.Equal(t, models.ExitOK, h.exitCode())
	assert.Equal(t, models.StateExiting, h.w.State())
}

func TestReusableWorkerStopsAtMaxJobs(t *testing.T) {
	h := start(t, Config{Kind: KindExecute, Reusable: true, MaxJobs: 2}, echoRunner())

	h.send(executeJob("j1", "a"))
	assert.Equal(t, models.OutcomeSuccess, h.outcome().Kind)
	h.send(executeJob("j2", "b"))
	assert.Equal(t, []byte("b"), h.outcome().Result)

	assert.Equal(t, models.ExitOK, h.exitCode())
}

func TestHostEndsReusableWorker(t *testing.T) {
	t.Run("shutdown message", func(t *testing.T) {
		h := start(t, Config{Kind: KindPrepare, Reusable: true}, echoRunner())
		require.NoError(t, h.host.Send(&models.HostMessage{Shutdown: true}))
		assert.Equal(t, models.ExitOK, h.exitCode())
	})

	t.Run("channel closed", func(t *testing.T) {
		h := start(t, Config{Kind: KindPrepare, Reusable: true}, echoRunner())
		h.peer.Close()
		assert.Equal(t, models.ExitOK, h.exitCode())
	})
}

func TestMalformedInputAbortsWithoutReporting(t *testing.T) {
	h := start(t, Config{Kind: KindExecute, Reusable: true}, echoRunner())

	go h.peer.Write([]byte{0, 0, 0, 0})
	assert.Equal(t, models.ExitMalformed, h.exitCode())
	assert.Empty(t, h.exited, "malformed input is an orderly return, not a forced exit")
}

func TestRejectedBeforeDispatch(t *testing.T) {
	tests := []struct {
		name   string
		req    *models.JobRequest
		reason string
	}{
		{
			name:   "wrong worker kind",
			req:    &models.JobRequest{JobID: "p", Kind: models.JobKindPrepare, Prepare: &models.PrepareJob{ArtifactDir: "/tmp"}},
			reason: "execute worker cannot run prepare jobs",
		},
		{
			name: "negative budget",
			req: func() *models.JobRequest {
				r := executeJob("neg", "x")
				r.Budget.CPUTimeLimit = -time.Second
				return r
			}(),
			reason: "invalid budget",
		},
		{
			name:   "missing payload",
			req:    &models.JobRequest{JobID: "empty", Kind: models.JobKindExecute},
			reason: "invalid job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			runner := echoRunner()
			runner.execute = func(*models.ExecuteJob) ([]byte, error) {
				called = true
				return nil, nil
			}
			h := start(t, Config{Kind: KindExecute, Reusable: true}, runner)

			h.send(tt.req)
			o := h.outcome()
			assert.Equal(t, models.OutcomeInternalError, o.Kind)
			assert.Contains(t, o.Reason, tt.reason)
			assert.False(t, called, "rejected job must not reach the runner")

			// The worker stays usable.
			require.NoError(t, h.host.Send(&models.HostMessage{Shutdown: true}))
			assert.Equal(t, models.ExitOK, h.exitCode())
		})
	}
}

func TestRunnerErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   models.OutcomeKind
		detail models.ErrorKind
	}{
		{"trap", models.NewJobError(models.ErrorKindRuntimeTrap, "unreachable"), models.OutcomeInvalidCandidate, models.ErrorKindRuntimeTrap},
		{"bad output", models.NewJobError(models.ErrorKindInvalidOutput, "empty result"), models.OutcomeInvalidCandidate, models.ErrorKindInvalidOutput},
		{"corrupted artifact", models.NewJobError(models.ErrorKindCorruptedArtifact, "checksum mismatch"), models.OutcomeInternalError, models.ErrorKindCorruptedArtifact},
		{"plain error", errors.New("disk full"), models.OutcomeInternalError, models.ErrorKindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := echoRunner()
			runner.execute = func(*models.ExecuteJob) ([]byte, error) { return nil, tt.err }
			h := start(t, Config{Kind: KindExecute}, runner)

			h.send(executeJob("j", "x"))
			o := h.outcome()
			assert.Equal(t, tt.kind, o.Kind)
			assert.Equal(t, tt.detail, o.Detail)
			assert.Equal(t, models.ExitOK, h.exitCode())
		})
	}
}

func TestPrepareSuccessCarriesArtifact(t *testing.T) {
	h := start(t, Config{Kind: KindPrepare}, echoRunner())

	h.send(&models.JobRequest{JobID: "p1", Kind: models.JobKindPrepare, Prepare: &models.PrepareJob{Code: []byte("c"), ArtifactDir: "/art"}})
	o := h.outcome()
	require.Equal(t, models.OutcomeSuccess, o.Kind)
	require.NotNil(t, o.Artifact)
	assert.Equal(t, "/art/a.pvfa", o.Artifact.Handle.Path)
}

func TestPanicIsReportedThenFatal(t *testing.T) {
	runner := echoRunner()
	runner.execute = func(*models.ExecuteJob) ([]byte, error) { panic("engine bug") }
	h := start(t, Config{Kind: KindExecute, Reusable: true}, runner)

	h.send(executeJob("j", "x"))
	o := h.outcome()
	assert.Equal(t, models.OutcomeInternalError, o.Kind)
	assert.Equal(t, "panic: engine bug", o.Reason)
	assert.Equal(t, models.ExitInternalError, h.exitCode())
}

func TestBudgetBreachReportsAndTerminates(t *testing.T) {
	release := make(chan struct{})
	runner := echoRunner()
	runner.execute = func(*models.ExecuteJob) ([]byte, error) {
		<-release
		return []byte("late"), nil
	}
	h := start(t, Config{Kind: KindExecute, Reusable: true}, runner)

	req := executeJob("slow", "x")
	req.Budget.WallClockDeadline = 20 * time.Millisecond
	h.send(req)

	o := h.outcome()
	assert.Equal(t, models.OutcomeTimeout, o.Kind)
	assert.Equal(t, models.ExitTimeout, h.terminated())

	// The late result is never reported.
	close(release)
	assert.Equal(t, models.ExitTimeout, h.exitCode())
}

func TestBreachCancelsRunningJob(t *testing.T) {
	cancelled := make(chan error, 1)
	runner := echoRunner()
	runner.blocked = func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		cancelled <- context.Cause(ctx)
		return nil, ctx.Err()
	}
	h := start(t, Config{Kind: KindExecute}, runner)

	req := executeJob("spin", "x")
	req.Budget.WallClockDeadline = 20 * time.Millisecond
	h.send(req)

	select {
	case cause := <-cancelled:
		assert.ErrorContains(t, cause, "budget breached")
	case <-time.After(2 * time.Second):
		t.Fatal("job context was not cancelled on breach")
	}
	assert.Equal(t, models.OutcomeTimeout, h.outcome().Kind)
	assert.Equal(t, models.ExitTimeout, h.terminated())
}

func TestUnreadableUsageEndsJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := echoRunner()
	runner.execute = func(*models.ExecuteJob) ([]byte, error) {
		<-release
		return []byte("late"), nil
	}
	h := start(t, Config{Kind: KindExecute}, runner, WithSampler(&brokenSampler{}))

	h.send(executeJob("blind", "x"))

	o := h.outcome()
	assert.Equal(t, models.OutcomeInternalError, o.Kind)
	assert.Contains(t, o.Reason, "proc unreadable")
	assert.Equal(t, models.ExitInternalError, h.terminated())
}

func TestSignalDuringJobReportsCrashed(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	runner := echoRunner()
	runner.execute = func(*models.ExecuteJob) ([]byte, error) {
		close(entered)
		<-release
		return []byte("late"), nil
	}
	signals := make(chan os.Signal, 1)
	h := start(t, Config{Kind: KindExecute}, runner, WithSignals(signals))

	h.send(executeJob("j", "x"))
	<-entered
	signals <- syscall.SIGTERM

	o := h.outcome()
	assert.Equal(t, models.OutcomeCrashed, o.Kind)
	assert.Equal(t, int(syscall.SIGTERM), o.Code)
	assert.Equal(t, models.ExitSignaled, h.terminated())

	close(release)
	assert.Equal(t, models.ExitSignaled, h.exitCode())
}

func TestSignalWhileIdleExitsWithoutOutcome(t *testing.T) {
	signals := make(chan os.Signal, 1)
	h := start(t, Config{Kind: KindExecute, Reusable: true}, echoRunner(), WithSignals(signals))

	signals <- syscall.SIGHUP
	assert.Equal(t, models.ExitSignaled, h.terminated())

	h.peer.Close()
	assert.Equal(t, models.ExitSignaled, h.exitCode())
}

func TestKindAccepts(t *testing.T) {
	tests := []struct {
		kind Kind
		job  models.JobKind
		want bool
	}{
		{KindPrepare, models.JobKindPrepare, true},
		{KindPrepare, models.JobKindExecute, false},
		{KindExecute, models.JobKindExecute, true},
		{KindAny, models.JobKindPrepare, true},
		{KindAny, models.JobKindUnknown, false},
		{Kind("bogus"), models.JobKindExecute, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Accepts(tt.job); got != tt.want {
			t.Errorf("%s.Accepts(%s) = %v, want %v", tt.kind, tt.job, got, tt.want)
		}
	}
}
