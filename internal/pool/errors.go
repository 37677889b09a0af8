package pool

import (
	"errors"
	"fmt"
)

// AcquireReason classifies why an Acquire call was denied.
type AcquireReason string

const (
	// ReasonMemoryGuard means system memory usage is above the guard threshold.
	ReasonMemoryGuard AcquireReason = "memory_guard"
	// ReasonFdGuard means descriptor headroom dropped below the reserve.
	ReasonFdGuard AcquireReason = "fd_guard"
	// ReasonPoolFull means the live process count reached effective capacity.
	ReasonPoolFull AcquireReason = "pool_full"
	// ReasonRateLimited means the spawn token bucket was empty.
	ReasonRateLimited AcquireReason = "rate_limited"
	// ReasonSpawnFailed means the process could not be started.
	ReasonSpawnFailed AcquireReason = "spawn_failed"
)

// AcquireError is the classified failure returned by Pool.Acquire.
type AcquireError struct {
	Reason AcquireReason
	Err    error
}

func (e *AcquireError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pool acquire denied (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pool acquire denied (%s)", e.Reason)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Retryable reports whether the denial is expected to clear on its own once
// load drops or the rate window refills.
func (e *AcquireError) Retryable() bool {
	switch e.Reason {
	case ReasonMemoryGuard, ReasonFdGuard, ReasonPoolFull, ReasonRateLimited:
		return true
	default:
		return false
	}
}

// ReasonOf extracts the denial reason from an Acquire error, or empty when
// err is not an AcquireError.
func ReasonOf(err error) AcquireReason {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}
