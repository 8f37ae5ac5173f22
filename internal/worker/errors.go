package worker

import "errors"

// Common registry errors surfaced to the dispatch layer.
var (
	// ErrNotFound is returned when an identifier was never issued by this
	// registry (no active entry, no finished entry, no archived log).
	ErrNotFound = errors.New("no such task")

	// ErrAlreadyFinished is returned when cancelling a task that already
	// recorded a terminal status. It is a no-op, not a fault: the stored
	// outcome is never changed.
	ErrAlreadyFinished = errors.New("task already finished")
)
