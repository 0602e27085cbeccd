package worker

import "golang.org/x/sys/unix"

// SetParentDeathSignal asks the kernel to SIGKILL this process when the
// thread that spawned it exits, so a worker never outlives its host.
func SetParentDeathSignal() error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0)
}
