package models

import (
	"fmt"
	"time"
)

// JobKind selects the phase a job belongs to
type JobKind int

const (
	JobKindUnknown JobKind = iota
	JobKindPrepare         // compile bytecode into an artifact
	JobKindExecute         // run a prepared artifact against an input
)

func (k JobKind) String() string {
	switch k {
	case JobKindPrepare:
		return "prepare"
	case JobKindExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Budget bounds a single job. Every field must be strictly positive once
// merged with the worker's spawn-time defaults.
type Budget struct {
	CPUTimeLimit      time.Duration `json:"cpu_time_limit" yaml:"cpu_time_limit"`
	MemoryLimit       uint64        `json:"memory_limit" yaml:"memory_limit"` // bytes
	WallClockDeadline time.Duration `json:"wall_clock_deadline" yaml:"wall_clock_deadline"`
}

// Merge fills zero fields from defaults.
func (b Budget) Merge(defaults Budget) Budget {
	if b.CPUTimeLimit == 0 {
		b.CPUTimeLimit = defaults.CPUTimeLimit
	}
	if b.MemoryLimit == 0 {
		b.MemoryLimit = defaults.MemoryLimit
	}
	if b.WallClockDeadline == 0 {
		b.WallClockDeadline = defaults.WallClockDeadline
	}
	return b
}

// Validate rejects budgets with a zero or negative component.
func (b Budget) Validate() error {
	if b.CPUTimeLimit <= 0 {
		return fmt.Errorf("cpu time limit must be positive, got %s", b.CPUTimeLimit)
	}
	if b.MemoryLimit == 0 {
		return fmt.Errorf("memory limit must be positive")
	}
	if b.WallClockDeadline <= 0 {
		return fmt.Errorf("wall clock deadline must be positive, got %s", b.WallClockDeadline)
	}
	return nil
}

// PrepareParams configures compilation
type PrepareParams struct {
	MaxMemoryPages uint32 `json:"max_memory_pages"` // linear memory ceiling in 64KiB pages, 0 = engine default
	Profile        string `json:"profile,omitempty"` // target profile, informational
}

// PrepareJob compiles raw bytecode into an artifact stored under ArtifactDir
type PrepareJob struct {
	Code        []byte        `json:"-"`
	Params      PrepareParams `json:"params"`
	ArtifactDir string        `json:"artifact_dir"`
}

// ExecuteParams configures a call into a prepared artifact
type ExecuteParams struct {
	EntryPoint     string `json:"entry_point,omitempty"` // defaults to DefaultEntryPoint
	MaxOutputBytes uint32 `json:"max_output_bytes,omitempty"`
}

// ExecuteJob runs a prepared artifact against an input payload
type ExecuteJob struct {
	Artifact ArtifactHandle `json:"artifact"`
	Params   ExecuteParams  `json:"params"`
	Input    []byte         `json:"-"`
}

const (
	// DefaultEntryPoint is the export called by execute jobs
	DefaultEntryPoint = "validate_block"
	// DefaultMaxOutputBytes caps the size of a call result
	DefaultMaxOutputBytes = 16 << 20
)

// JobRequest is a single unit of work sent by the host.
// Exactly one of Prepare or Execute is set, matching Kind.
type JobRequest struct {
	JobID   string      `json:"job_id"`
	Kind    JobKind     `json:"kind"`
	Budget  Budget      `json:"budget"`
	Prepare *PrepareJob `json:"prepare,omitempty"`
	Execute *ExecuteJob `json:"execute,omitempty"`
}

// Validate checks the request is internally consistent.
// Budget positivity is checked separately after defaults are merged.
func (r *JobRequest) Validate() error {
	switch r.Kind {
	case JobKindPrepare:
		if r.Prepare == nil {
			return fmt.Errorf("prepare job %s has no prepare payload", r.JobID)
		}
		if r.Prepare.ArtifactDir == "" {
			return fmt.Errorf("prepare job %s has no artifact directory", r.JobID)
		}
	case JobKindExecute:
		if r.Execute == nil {
			return fmt.Errorf("execute job %s has no execute payload", r.JobID)
		}
		if r.Execute.Artifact.Path == "" {
			return fmt.Errorf("execute job %s has no artifact path", r.JobID)
		}
	default:
		return fmt.Errorf("job %s has unknown kind %d", r.JobID, r.Kind)
	}
	return nil
}
