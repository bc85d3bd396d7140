package sched

import "errors"

var (
	// ErrInvalidParameter rejects nil, empty, or out-of-range arguments.
	ErrInvalidParameter = errors.New("sched: invalid parameter")

	// ErrNotFound reports a process lookup miss.
	ErrNotFound = errors.New("sched: process not found")

	// ErrSchedulingConflict rejects a lifecycle transition that is not
	// legal from the process's current state.
	ErrSchedulingConflict = errors.New("sched: scheduling conflict")

	// ErrTimeout marks a dependency that waited past its deadline. It is
	// never returned from an API call: the dependency is force-satisfied
	// and the error is reported through the log and the Forced event.
	ErrTimeout = errors.New("sched: dependency timeout")
)
