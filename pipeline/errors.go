package pipeline

import "errors"

// Sentinel errors for pipeline lifecycle operations.
var (
	// ErrInvalidState indicates a lifecycle call out of order, such as
	// Start on a running pipeline or Destroy before Stop.
	ErrInvalidState = errors.New("invalid pipeline state")

	// ErrNoDirection indicates a pipeline configured with neither a
	// capture source nor a playback sink.
	ErrNoDirection = errors.New("pipeline has no source and no sink")
)
