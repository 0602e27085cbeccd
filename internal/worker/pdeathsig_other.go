//go:build !linux

package worker

// SetParentDeathSignal is a no-op where the kernel offers no equivalent
func SetParentDeathSignal() error {
	return nil
}
