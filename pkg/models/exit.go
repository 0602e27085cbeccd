package models

// Worker exit codes. The host falls back to these when the transport cannot
// carry an outcome. Go's runtime uses 2 for unrecovered panics and fatal
// errors, so the taxonomy starts at 10.
const (
	ExitOK            = 0  // orderly exit after reporting, or host closed the channel
	ExitInternalError = 10 // worker fault, reported when possible
	ExitTimeout       = 11 // governor killed the job for cpu time or wall clock
	ExitOutOfMemory   = 12 // governor killed the job for memory
	ExitSignaled      = 13 // termination signal caught and handled
	ExitMalformed     = 14 // transport desynchronized, aborted without reporting
)

// ExitCodeName returns a short name for a worker exit code
func ExitCodeName(code int) string {
	switch code {
	case ExitOK:
		return "ok"
	case ExitInternalError:
		return "internal_error"
	case ExitTimeout:
		return "timeout"
	case ExitOutOfMemory:
		return "out_of_memory"
	case ExitSignaled:
		return "signaled"
	case ExitMalformed:
		return "malformed_transport"
	default:
		return "unknown"
	}
}

// ExitCodes lists the taxonomy in order, for documentation output
func ExitCodes() []int {
	return []int{ExitOK, ExitInternalError, ExitTimeout, ExitOutOfMemory, ExitSignaled, ExitMalformed}
}
