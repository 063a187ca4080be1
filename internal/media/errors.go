package media

import "errors"

// Sentinel errors shared across the pipeline. Callers classify failures
// with errors.Is; packages wrap these with context using %w.
var (
	// ErrBadParameters reports an invalid argument: nil buffer, zero
	// size, zero timestamp, or an out-of-range configuration value.
	ErrBadParameters = errors.New("bad parameters")

	// ErrQueueFull reports that a bounded FIFO is at capacity. The item
	// was not enqueued; the caller may retry or drop.
	ErrQueueFull = errors.New("queue full")

	// ErrBusy reports an operation attempted in the wrong lifecycle
	// state, such as closing a component before stopping it.
	ErrBusy = errors.New("busy")

	// ErrWaitingForSync reports that no SPS/PPS pair has been received
	// yet, so parameter-dependent data is unavailable.
	ErrWaitingForSync = errors.New("waiting for sync")

	// ErrResourceUnavailable reports a transient shortage: no output
	// buffer could be obtained, or a collaborator declined a request.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrResyncRequired reports that stream parameters changed
	// mid-stream and assembly state was reset; output resumes at the
	// next synchronization point.
	ErrResyncRequired = errors.New("resync required")
)
