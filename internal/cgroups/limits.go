package cgroups

import "fmt"

// Limits are the kernel-enforced ceilings placed on a worker process.
// They back up the worker's own governor and are set above the job budget.
type Limits struct {
	MemoryMax int64 // bytes, 0 = no limit
	PidsMax   int   // 0 = no limit
}

// Validate rejects negative limits
func (l Limits) Validate() error {
	if l.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMax)
	}
	if l.PidsMax < 0 {
		return fmt.Errorf("invalid pids limit: %d", l.PidsMax)
	}
	return nil
}
