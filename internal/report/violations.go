package report

import "sync"

// ViolationSample is a compact record of a job that did not succeed
type ViolationSample struct {
	JobID    string  `json:"job_id"`
	Kind     string  `json:"kind"`
	Outcome  string  `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
	Duration float64 `json:"duration_seconds"`
	PID      int     `json:"pid"`
}

// ViolationLog keeps the last N failed jobs
type ViolationLog struct {
	samples []ViolationSample
	maxSize int
	mu      sync.RWMutex
}

// NewViolationLog creates a violation log with fixed size
func NewViolationLog(maxSize int) *ViolationLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &ViolationLog{
		samples: make([]ViolationSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds r if it did not succeed, dropping the oldest sample when full
func (v *ViolationLog) Record(r *Result) {
	if r.Succeeded() {
		return
	}

	sample := ViolationSample{
		JobID:    r.JobID,
		Kind:     r.Kind.String(),
		Outcome:  r.Outcome.String(),
		Reason:   r.Reason,
		Duration: r.Metrics.WallTime.Seconds(),
		PID:      r.PID,
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.samples) >= v.maxSize {
		v.samples = v.samples[1:]
	}
	v.samples = append(v.samples, sample)
}

// GetRecent returns up to n violations, newest first
func (v *ViolationLog) GetRecent(n int) []ViolationSample {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if n <= 0 || n > len(v.samples) {
		n = len(v.samples)
	}

	result := make([]ViolationSample, n)
	for i := 0; i < n; i++ {
		result[i] = v.samples[len(v.samples)-1-i]
	}
	return result
}

// Count returns the number of retained violations
func (v *ViolationLog) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.samples)
}
