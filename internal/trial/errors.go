package trial

import "errors"

var (
	// ErrInvalidConfig reports search parameters rejected before any trial runs.
	ErrInvalidConfig = errors.New("invalid search configuration")
	// ErrConflict reports a second measurement at an already measured
	// (duration, target rate) pair.
	ErrConflict = errors.New("transmit rate conflict")
	// ErrEmpty reports a lookup on a store without measurements.
	ErrEmpty = errors.New("no measurements")
	// ErrInvalidMeasurement reports counters that cannot describe a trial.
	ErrInvalidMeasurement = errors.New("invalid measurement")
)
