package qmm

import "errors"

// Error taxonomy for the mathematical memory manager. Every entry point
// returns one of these (possibly wrapped with context); ordinary misuse is
// reported, never panicked on.
var (
	// ErrInvalidParameter covers nil/zero-size/out-of-range arguments and
	// pointers that belong to no pool.
	ErrInvalidParameter = errors.New("qmm: invalid parameter")

	// ErrOutOfMemory is returned when no pool can satisfy an allocation
	// even after one collection attempt.
	ErrOutOfMemory = errors.New("qmm: out of memory")

	// ErrNotFound is returned on pool or block lookup misses.
	ErrNotFound = errors.New("qmm: not found")

	// ErrIntegrityViolation covers double frees and corrupted block
	// checksums. These are caller bugs the manager detects and reports.
	ErrIntegrityViolation = errors.New("qmm: integrity violation")

	// ErrDependencyCycle is returned when linking two blocks would create
	// a dependency cycle.
	ErrDependencyCycle = errors.New("qmm: dependency cycle")
)
