package wrapper

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/psantana5/pvf-worker/pkg/models"
	"golang.org/x/sys/unix"
)

// LifecycleState is the host's view of a worker process
type LifecycleState string

const (
	StateStarting  LifecycleState = "starting"
	StateReady     LifecycleState = "ready"   // hello received
	StateBusy      LifecycleState = "busy"    // job submitted
	StateCompleted LifecycleState = "completed"
	StateFailed    LifecycleState = "failed"
	StateKilled    LifecycleState = "killed"
)

// LifecycleEvent records a state change of the worker process
type LifecycleEvent struct {
	PID       int            `json:"pid"`
	State     LifecycleState `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	JobID     string         `json:"job_id,omitempty"`
	ExitCode  int            `json:"exit_code,omitempty"`
	Signal    string         `json:"signal,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// ExitStatus describes how a worker process ended
type ExitStatus struct {
	Code       int            `json:"code"` // -1 when killed by a signal
	Signal     syscall.Signal `json:"signal,omitempty"`
	Signaled   bool           `json:"signaled"`
	HostKilled bool           `json:"host_killed"` // deadline enforced by the host
	OOMKilled  bool           `json:"oom_killed"`  // cgroup reported an OOM kill
	CPUTime    time.Duration  `json:"cpu_time"`
	MaxRSS     uint64         `json:"max_rss"` // bytes
}

// NewExitStatus reads the wait status and resource usage of a finished process
func NewExitStatus(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}

	st := ExitStatus{
		Code:    state.ExitCode(),
		CPUTime: state.UserTime() + state.SystemTime(),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signaled = true
		st.Signal = ws.Signal()
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		// Linux reports KiB
		st.MaxRSS = uint64(ru.Maxrss) * 1024
	}
	return st
}

func (s ExitStatus) String() string {
	switch {
	case s.HostKilled:
		return "killed by host after deadline"
	case s.OOMKilled:
		return "killed by OOM killer"
	case s.Signaled:
		return "killed by " + SignalName(s.Signal)
	default:
		return fmt.Sprintf("exited with code %d (%s)", s.Code, models.ExitCodeName(s.Code))
	}
}

// SignalName returns the conventional name of a signal
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("SIG%d", int(sig))
}

// InferOutcome reconstructs an outcome for a job whose worker ended without
// delivering one.
func InferOutcome(jobID string, st ExitStatus) models.Outcome {
	o := models.Outcome{
		JobID:    jobID,
		Inferred: true,
		Metrics:  models.Metrics{CPUTime: st.CPUTime, PeakMemory: st.MaxRSS},
	}

	switch {
	case st.HostKilled:
		o.Kind = models.OutcomeTimeout
		o.Reason = "wall clock deadline enforced by host"
	case st.OOMKilled:
		o.Kind = models.OutcomeOutOfMemory
		o.Reason = "killed by kernel OOM killer"
	case st.Signaled:
		o.Kind = models.OutcomeCrashed
		o.Code = int(st.Signal)
		o.Reason = "killed by " + SignalName(st.Signal)
	case st.Code == models.ExitTimeout:
		o.Kind = models.OutcomeTimeout
		o.Reason = "worker exceeded its time budget"
	case st.Code == models.ExitOutOfMemory:
		o.Kind = models.OutcomeOutOfMemory
		o.Reason = "worker exceeded its memory budget"
	case st.Code == models.ExitSignaled:
		// The worker caught a termination signal but its report never arrived.
		o.Kind = models.OutcomeCrashed
		o.Code = models.ExitSignaled
		o.Reason = "worker terminated by a caught signal"
	case st.Code == models.ExitInternalError:
		o.Kind = models.OutcomeInternalError
		o.Detail = models.ErrorKindInternal
		o.Reason = "worker internal error"
	case st.Code == models.ExitMalformed:
		o.Kind = models.OutcomeInternalError
		o.Detail = models.ErrorKindInternal
		o.Reason = "worker could not parse the job"
	case st.Code == models.ExitOK:
		o.Kind = models.OutcomeInternalError
		o.Detail = models.ErrorKindInternal
		o.Reason = "worker exited without reporting"
	default:
		o.Kind = models.OutcomeCrashed
		o.Code = st.Code
		o.Reason = fmt.Sprintf("exited with code %d", st.Code)
	}
	return o
}
