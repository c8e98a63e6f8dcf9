package device

import "errors"

// Error kinds reported by the compute context. Callers match them with
// errors.Is; the wrapped message carries the detail.
var (
	// ErrAllocation is returned when a buffer cannot be allocated: a
	// non-positive length, an invalid mode or an exhausted memory limit.
	ErrAllocation = errors.New("device: allocation failure")

	// ErrKernelNotFound is returned when no kernel was compiled for an
	// (operation, element type) pair.
	ErrKernelNotFound = errors.New("device: kernel not found")

	// ErrDispatch is returned when the queue rejects a kernel: malformed
	// argument binding, a mode violation, a closed queue or a kernel fault.
	ErrDispatch = errors.New("device: dispatch failure")

	// ErrTransfer is returned when a host/device copy cannot be issued.
	ErrTransfer = errors.New("device: transfer failure")
)
