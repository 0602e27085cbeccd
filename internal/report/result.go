package report

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/psantana5/pvf-worker/internal/logging"
	"github.com/psantana5/pvf-worker/pkg/models"
)

// Result is the immutable record of one finished job.
// Metrics, the violation log, and the summary line are all derived from it.
type Result struct {
	JobID     string             `json:"job_id"`
	Kind      models.JobKind     `json:"kind"`
	PID       int                `json:"pid"`
	Outcome   models.OutcomeKind `json:"outcome"`
	Detail    models.ErrorKind   `json:"detail,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	StartTime time.Time          `json:"start_time"`
	EndTime   time.Time          `json:"end_time"`
	Metrics   models.Metrics     `json:"metrics"`
}

// NewResult freezes an outcome into a result
func NewResult(kind models.JobKind, o models.Outcome, pid int, start, end time.Time) *Result {
	return &Result{
		JobID:     o.JobID,
		Kind:      kind,
		PID:       pid,
		Outcome:   o.Kind,
		Detail:    o.Detail,
		Reason:    o.Reason,
		StartTime: start,
		EndTime:   end,
		Metrics:   o.Metrics,
	}
}

// Succeeded reports whether the job produced a usable result
func (r *Result) Succeeded() bool {
	return r.Outcome == models.OutcomeSuccess
}

// Summary is the one-line form of the result
func (r *Result) Summary() string {
	reason := ""
	if r.Reason != "" {
		reason = fmt.Sprintf(" | reason=%s", r.Reason)
	}
	return fmt.Sprintf("JOB %s | kind=%s | outcome=%s%s | cpu=%s | peak=%s | wall=%s | pid=%d",
		r.JobID,
		r.Kind,
		r.Outcome,
		reason,
		r.Metrics.CPUTime.Round(time.Microsecond),
		humanize.IBytes(r.Metrics.PeakMemory),
		r.Metrics.WallTime.Round(time.Microsecond),
		r.PID,
	)
}

// LogSummary emits the summary line, at WARN for anything but success
func (r *Result) LogSummary(logger *logging.Logger) {
	if r.Succeeded() {
		logger.Info(r.Summary())
		return
	}
	logger.Warn(r.Summary())
}
