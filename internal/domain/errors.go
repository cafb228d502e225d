package domain

import (
	"errors"
)

// Fatal input conditions. Any of these aborts the run with no partial
// alerts committed. Method-level failures are not errors at the run
// level: they are recorded on the MethodResult and the run continues.
var (
	// ErrEmptyDataset: the feature table has no entities.
	ErrEmptyDataset = errors.New("dataset has no entities")

	// ErrMissingFeature: a required feature is absent from the table.
	ErrMissingFeature = errors.New("required feature is absent")

	// ErrNoMethodsSucceeded: every requested detection method failed.
	ErrNoMethodsSucceeded = errors.New("no detection method succeeded")

	// ErrUnknownPolicy: the fusion policy name is not registered.
	ErrUnknownPolicy = errors.New("unknown fusion policy")

	// ErrNoCombiner: stacking fusion was requested without a fitted combiner.
	ErrNoCombiner = errors.New("no fitted combiner available for stacking")

	// ErrEntityUncovered: no succeeding method produced a score for an entity.
	ErrEntityUncovered = errors.New("entity not covered by any method")

	// ErrUnknownMethod: a requested method is not in the registry.
	ErrUnknownMethod = errors.New("unknown detection method")
)

// IsFatalInput reports whether err is one of the run-aborting input
// conditions.
func IsFatalInput(err error) bool {
	for _, fatal := range []error{
		ErrEmptyDataset,
		ErrMissingFeature,
		ErrNoMethodsSucceeded,
		ErrUnknownPolicy,
		ErrNoCombiner,
		ErrEntityUncovered,
		ErrUnknownMethod,
	} {
		if errors.Is(err, fatal) {
			return true
		}
	}
	return false
}
