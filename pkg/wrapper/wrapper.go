// Package wrapper spawns a single worker process and drives jobs through it.
// It is the host side of the worker protocol used by tests and pvfctl, not a
// pool: one Wrapper owns one worker for its lifetime.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/pvf-worker/internal/cgroups"
	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/internal/transport"
	"github.com/psantana5/pvf-worker/pkg/models"
)

const (
	// DefaultStartTimeout bounds how long Start waits for the worker's hello
	DefaultStartTimeout = 10 * time.Second
	// DefaultKillGrace is added to a job's wall clock deadline before the host
	// kills the worker itself
	DefaultKillGrace = time.Second
)

var (
	// ErrExited is returned when the worker is no longer running
	ErrExited = errors.New("worker has exited")
	// ErrNotStarted is returned when Submit is called before Start
	ErrNotStarted = errors.New("worker not started")
)

// Config describes how to spawn the worker
type Config struct {
	// Command is the worker binary; Args are passed before --socket
	Command string
	Args    []string
	Env     []string
	// SocketDir holds the private socket directory, default os.TempDir()
	SocketDir string
	// Defaults mirror the worker's spawn-time budget, for the host deadline
	Defaults     models.Budget
	StartTimeout time.Duration
	KillGrace    time.Duration
	// Cgroup confines the worker when set and the host allows it
	Cgroup *cgroups.Limits
	Stderr io.Writer
	Logger *logging.Logger
}

// Wrapper owns one worker process
type Wrapper struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	conn    *transport.Conn
	hello   models.Hello
	dir     string
	cgroup  string
	cgroups *cgroups.Manager
	events  []LifecycleEvent

	submitMu   sync.Mutex
	exited     chan struct{}
	status     ExitStatus
	hostKilled bool
}

// New creates a wrapper. Nothing is spawned until Start.
func New(cfg Config) *Wrapper {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	return &Wrapper{
		cfg:     cfg,
		logger:  logger.WithField("component", "wrapper"),
		cgroups: cgroups.New(),
		exited:  make(chan struct{}),
	}
}

// Start spawns the worker in its own process group and waits for its hello
func (w *Wrapper) Start(ctx context.Context) error {
	dir, err := os.MkdirTemp(w.cfg.SocketDir, "pvf-")
	if err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	w.dir = dir
	socket := filepath.Join(dir, "worker.sock")

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socket, Net: "unix"})
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to listen on %s: %w", socket, err)
	}
	defer ln.Close()

	args := append(append([]string{}, w.cfg.Args...), "--socket", socket)
	cmd := exec.Command(w.cfg.Command, args...)
	cmd.Env = append(os.Environ(), w.cfg.Env...)
	cmd.Stdout = w.cfg.Stderr
	cmd.Stderr = w.cfg.Stderr
	cmd.SysProcAttr = procAttr()

	w.emit(StateStarting, "", "spawning "+w.cfg.Command)
	if err := cmd.Start(); err != nil {
		w.emit(StateFailed, "", err.Error())
		os.RemoveAll(dir)
		return fmt.Errorf("failed to start worker: %w", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.mu.Unlock()

	w.confine(cmd.Process.Pid)
	go w.wait()

	nc, err := w.accept(ctx, ln)
	if err != nil {
		w.kill()
		<-w.exited
		w.cleanup()
		return err
	}

	nc.SetDeadline(time.Now().Add(w.cfg.StartTimeout))
	conn := transport.New(nc)
	var msg models.WorkerMessage
	err = conn.Receive(&msg)
	nc.SetDeadline(time.Time{})
	if err != nil || msg.Hello == nil {
		conn.Close()
		w.kill()
		<-w.exited
		w.cleanup()
		if err == nil {
			err = errors.New("first message was not a hello")
		}
		return fmt.Errorf("worker handshake failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.hello = *msg.Hello
	w.mu.Unlock()

	w.emit(StateReady, "", fmt.Sprintf("%s worker %s ready", msg.Hello.Kind, msg.Hello.Version))
	w.logger.Info("Worker ready", logging.Fields{"pid": cmd.Process.Pid, "kind": msg.Hello.Kind})
	return nil
}

func (w *Wrapper) accept(ctx context.Context, ln *net.UnixListener) (net.Conn, error) {
	if err := ln.SetDeadline(time.Now().Add(w.cfg.StartTimeout)); err != nil {
		return nil, err
	}

	type accepted struct {
		c   net.Conn
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return nil, fmt.Errorf("worker did not connect: %w", a.err)
		}
		return a.c, nil
	case <-w.exited:
		return nil, fmt.Errorf("worker exited before connecting: %s", w.status)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// confine places the worker in a cgroup. Failures are logged and ignored.
func (w *Wrapper) confine(pid int) {
	if w.cfg.Cgroup == nil {
		return
	}
	path, err := w.cgroups.Create(fmt.Sprintf("worker-%d", pid))
	if err != nil || path == "" {
		w.logger.Warn("Cgroup unavailable", logging.Fields{"error": fmt.Sprint(err)})
		return
	}
	if err := w.cgroups.Join(path, pid); err != nil {
		w.logger.Warn("Failed to join cgroup", logging.Fields{"path": path, "error": err.Error()})
		w.cgroups.Delete(path)
		return
	}
	if err := w.cgroups.Apply(path, *w.cfg.Cgroup); err != nil {
		w.logger.Warn("Failed to apply cgroup limits", logging.Fields{"path": path, "error": err.Error()})
	}
	w.mu.Lock()
	w.cgroup = path
	w.mu.Unlock()
}

func (w *Wrapper) wait() {
	w.cmd.Wait()
	st := NewExitStatus(w.cmd.ProcessState)

	w.mu.Lock()
	st.HostKilled = w.hostKilled
	path := w.cgroup
	w.mu.Unlock()

	if n, err := w.cgroups.OOMKills(path); err == nil && n > 0 {
		st.OOMKilled = true
	}
	w.status = st

	switch {
	case st.Signaled:
		w.emitExit(StateKilled, st)
	case st.Code == 0:
		w.emitExit(StateCompleted, st)
	default:
		w.emitExit(StateFailed, st)
	}
	close(w.exited)
}

// Submit sends a job and returns its outcome. When the worker dies without
// reporting, the outcome is inferred from its exit status. The returned
// error is set only when no outcome can be determined.
func (w *Wrapper) Submit(ctx context.Context, job *models.JobRequest) (models.Outcome, error) {
	w.submitMu.Lock()
	defer w.submitMu.Unlock()

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return models.Outcome{}, ErrNotStarted
	}
	select {
	case <-w.exited:
		return models.Outcome{}, ErrExited
	default:
	}

	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	start := time.Now()

	if err := conn.Send(&models.HostMessage{Job: job}); err != nil {
		return w.settle(job.JobID, start, fmt.Errorf("failed to send job: %w", err))
	}
	w.emit(StateBusy, job.JobID, job.Kind.String())

	type received struct {
		msg models.WorkerMessage
		err error
	}
	ch := make(chan received, 1)
	go func() {
		var r received
		r.err = conn.Receive(&r.msg)
		ch <- r
	}()

	var deadline <-chan time.Time
	if d := job.Budget.Merge(w.cfg.Defaults).WallClockDeadline; d > 0 {
		t := time.NewTimer(d + w.cfg.KillGrace)
		defer t.Stop()
		deadline = t.C
	}

	var r received
	select {
	case r = <-ch:
	case <-deadline:
		w.logger.Warn("Worker missed its deadline", logging.Fields{"job_id": job.JobID})
		w.killForDeadline()
		r = <-ch
	case <-ctx.Done():
		w.kill()
		return models.Outcome{}, ctx.Err()
	}

	switch {
	case r.err == nil && r.msg.Outcome != nil:
		o := *r.msg.Outcome
		if o.JobID != job.JobID {
			w.kill()
			return w.internal(job.JobID, start, fmt.Sprintf("outcome for unexpected job %q", o.JobID)), nil
		}
		return o, nil
	case r.err == nil:
		w.kill()
		return w.internal(job.JobID, start, "unexpected message in place of an outcome"), nil
	case errors.Is(r.err, transport.ErrMalformed):
		w.kill()
		return w.internal(job.JobID, start, "malformed response: "+r.err.Error()), nil
	default:
		return w.settle(job.JobID, start, r.err)
	}
}

// settle waits for the worker to exit and infers the outcome
func (w *Wrapper) settle(jobID string, start time.Time, cause error) (models.Outcome, error) {
	select {
	case <-w.exited:
	case <-time.After(w.cfg.KillGrace):
		w.logger.Warn("Worker closed the channel but kept running", logging.Fields{"job_id": jobID, "error": cause.Error()})
		w.kill()
		<-w.exited
	}

	o := InferOutcome(jobID, w.status)
	o.Metrics.WallTime = time.Since(start)
	w.logger.Warn("Outcome inferred from exit status", logging.Fields{"job_id": jobID, "status": w.status.String(), "outcome": o.String()})
	return o, nil
}

func (w *Wrapper) internal(jobID string, start time.Time, reason string) models.Outcome {
	<-w.exited
	return models.Outcome{
		JobID:    jobID,
		Kind:     models.OutcomeInternalError,
		Detail:   models.ErrorKindInternal,
		Reason:   reason,
		Inferred: true,
		Metrics:  models.Metrics{CPUTime: w.status.CPUTime, PeakMemory: w.status.MaxRSS, WallTime: time.Since(start)},
	}
}

// Shutdown asks the worker to exit and waits for it, killing it when ctx
// expires first.
func (w *Wrapper) Shutdown(ctx context.Context) (ExitStatus, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		select {
		case <-w.exited:
		default:
			if err := conn.Send(&models.HostMessage{Shutdown: true}); err != nil {
				w.logger.Debug("Shutdown message not delivered", logging.Fields{"error": err.Error()})
			}
		}
	}

	var err error
	select {
	case <-w.exited:
	case <-ctx.Done():
		w.kill()
		<-w.exited
		err = ctx.Err()
	}

	if conn != nil {
		conn.Close()
	}
	w.cleanup()
	return w.status, err
}

// Exited is closed once the worker process has been reaped
func (w *Wrapper) Exited() <-chan struct{} {
	return w.exited
}

// Hello returns the worker's handshake
func (w *Wrapper) Hello() models.Hello {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hello
}

// PID returns the worker's process id, 0 before Start
func (w *Wrapper) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Events returns a copy of the lifecycle events so far
func (w *Wrapper) Events() []LifecycleEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]LifecycleEvent(nil), w.events...)
}

func (w *Wrapper) killForDeadline() {
	w.mu.Lock()
	w.hostKilled = true
	w.mu.Unlock()
	w.kill()
}

// kill sends SIGKILL to the worker's process group
func (w *Wrapper) kill() {
	pid := w.PID()
	if pid <= 0 {
		return
	}
	select {
	case <-w.exited:
		return
	default:
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		w.logger.Warn("Failed to kill worker", logging.Fields{"pid": pid, "error": err.Error()})
	}
}

func (w *Wrapper) cleanup() {
	w.mu.Lock()
	path, dir := w.cgroup, w.dir
	w.cgroup, w.dir = "", ""
	w.mu.Unlock()

	if err := w.cgroups.Delete(path); err != nil {
		w.logger.Warn("Failed to remove cgroup", logging.Fields{"path": path, "error": err.Error()})
	}
	if dir != "" {
		os.RemoveAll(dir)
	}
}

func (w *Wrapper) emit(state LifecycleState, jobID, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pid := 0
	if w.cmd != nil && w.cmd.Process != nil {
		pid = w.cmd.Process.Pid
	}
	w.events = append(w.events, LifecycleEvent{
		PID:       pid,
		State:     state,
		Timestamp: time.Now(),
		JobID:     jobID,
		Message:   message,
	})
}

func (w *Wrapper) emitExit(state LifecycleState, st ExitStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev := LifecycleEvent{
		PID:       w.cmd.Process.Pid,
		State:     state,
		Timestamp: time.Now(),
		ExitCode:  st.Code,
		Message:   st.String(),
	}
	if st.Signaled {
		ev.Signal = SignalName(st.Signal)
	}
	w.events = append(w.events, ev)
}
