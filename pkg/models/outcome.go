package models

import (
	"errors"
	"fmt"
	"time"
)

// OutcomeKind is the terminal classification of a job
type OutcomeKind int

const (
	OutcomeUnknown          OutcomeKind = iota
	OutcomeSuccess                      // job completed within budget
	OutcomeInvalidCandidate             // deterministic rejection of the code or its output
	OutcomeTimeout                      // cpu time or wall clock budget breached
	OutcomeOutOfMemory                  // memory budget breached
	OutcomeInternalError                // fault in the worker, not the untrusted code
	OutcomeCrashed                      // killed by a signal or unexpected exit code
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalidCandidate:
		return "invalid_candidate"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeOutOfMemory:
		return "out_of_memory"
	case OutcomeInternalError:
		return "internal_error"
	case OutcomeCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsResourceBreach reports whether the outcome was caused by the governor
func (k OutcomeKind) IsResourceBreach() bool {
	return k == OutcomeTimeout || k == OutcomeOutOfMemory
}

// ErrorKind classifies a failure raised by the engine adapter
type ErrorKind int

const (
	ErrorKindNone              ErrorKind = iota
	ErrorKindCompileFailure              // bytecode rejected during prepare
	ErrorKindRuntimeTrap                 // trap or abort inside the called code
	ErrorKindInvalidOutput               // call returned a result violating the output contract
	ErrorKindCorruptedArtifact           // artifact file missing or checksum mismatch
	ErrorKindInternal                    // worker-side failure unrelated to the code
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindCompileFailure:
		return "compile_failure"
	case ErrorKindRuntimeTrap:
		return "runtime_trap"
	case ErrorKindInvalidOutput:
		return "invalid_output"
	case ErrorKindCorruptedArtifact:
		return "corrupted_artifact"
	case ErrorKindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// IsDeterministic reports whether the error is a property of the candidate
// itself and would recur on every honest validator.
func (k ErrorKind) IsDeterministic() bool {
	return k == ErrorKindCompileFailure || k == ErrorKindRuntimeTrap || k == ErrorKindInvalidOutput
}

// JobError is returned by runners for engine-classified failures
type JobError struct {
	Kind   ErrorKind
	Reason string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// NewJobError builds a JobError with a formatted reason
func NewJobError(kind ErrorKind, format string, args ...interface{}) *JobError {
	return &JobError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Metrics are the resource measurements attached to an outcome
type Metrics struct {
	CPUTime    time.Duration `json:"cpu_time" yaml:"cpu_time"`
	PeakMemory uint64        `json:"peak_memory" yaml:"peak_memory"`
	WallTime   time.Duration `json:"wall_time" yaml:"wall_time"`
}

// Outcome is the single result reported for a job
type Outcome struct {
	JobID  string      `json:"job_id" yaml:"job_id"`
	Kind   OutcomeKind `json:"kind" yaml:"kind"`
	Reason string      `json:"reason,omitempty" yaml:"reason,omitempty"`
	Detail ErrorKind   `json:"detail,omitempty" yaml:"detail,omitempty"`
	// Code is the signal number or exit code for Crashed outcomes
	Code     int       `json:"code,omitempty" yaml:"code,omitempty"`
	Result   []byte    `json:"result,omitempty" yaml:"result,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Metrics  Metrics   `json:"metrics" yaml:"metrics"`
	// Inferred is set by the host when the outcome was reconstructed from
	// exit status rather than received over the transport. Never encoded.
	Inferred bool `json:"inferred,omitempty" yaml:"inferred,omitempty"`
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeInvalidCandidate:
		return fmt.Sprintf("%s(%s: %s)", o.Kind, o.Detail, o.Reason)
	case OutcomeInternalError:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
	case OutcomeCrashed:
		return fmt.Sprintf("%s(%d)", o.Kind, o.Code)
	default:
		return o.Kind.String()
	}
}

// OutcomeFromError classifies a runner error into an outcome.
// Errors that are not JobErrors are internal errors.
func OutcomeFromError(jobID string, err error) Outcome {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		if jobErr.Kind.IsDeterministic() {
			return Outcome{JobID: jobID, Kind: OutcomeInvalidCandidate, Detail: jobErr.Kind, Reason: jobErr.Reason}
		}
		return Outcome{JobID: jobID, Kind: OutcomeInternalError, Detail: jobErr.Kind, Reason: jobErr.Reason}
	}
	return Outcome{JobID: jobID, Kind: OutcomeInternalError, Detail: ErrorKindInternal, Reason: err.Error()}
}
