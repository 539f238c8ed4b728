package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when a compare-and-set write
	// loses against a concurrent writer. Callers retry their
	// read-modify-write cycle.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTerminalRun is returned when a write targets a run already in
	// a terminal state. Terminal runs are immutable.
	ErrTerminalRun = errors.New("run is in a terminal state")
)
