package buf

import "errors"

// Substrate-level errors. Per the engine's error design these never reach
// a consumer-facing Chunk: a substrate error surfacing inside the driver
// is a bug and the driver aborts the process rather than propagate it.
var (
	ErrInvalidAlignment = errors.New("buf: align must be a power of two >= 1")
	ErrInvalidLength     = errors.New("buf: len must be > 0")
	ErrOutOfRange        = errors.New("buf: range outside the view's bounds")
	ErrNotUnique         = errors.New("buf: freeze requires the sole live view of the allocation")

	errViewConsumed = errors.New("buf: view already split, frozen, or released")
)
