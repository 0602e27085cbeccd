package governor

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is one reading of cumulative process resource use
type Usage struct {
	CPUTime time.Duration // user + system since process start
	RSS     uint64        // resident set size in bytes
}

// Sampler reads the current resource use of the worker process
type Sampler interface {
	Sample() (Usage, error)
}

// ProcessSampler samples a process through gopsutil
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the calling process
func NewProcessSampler() (*ProcessSampler, error) {
	return NewPIDSampler(os.Getpid())
}

// NewPIDSampler samples an arbitrary process
func NewPIDSampler(pid int) (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	return &ProcessSampler{proc: proc}, nil
}

// Sample implements Sampler
func (s *ProcessSampler) Sample() (Usage, error) {
	times, err := s.proc.Times()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read cpu times: %w", err)
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read memory info: %w", err)
	}

	cpu := time.Duration((times.User + times.System) * float64(time.Second))
	return Usage{CPUTime: cpu, RSS: mem.RSS}, nil
}
