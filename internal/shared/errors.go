package shared

import "errors"

// Sentinel errors shared across the core's components. They live in this
// leaf package (rather than in internal/taskmanager, which depends on
// internal/inference) so any component can return or wrap them without
// creating an import cycle.
var (
	// ErrServiceUnavailable is returned when the Inference Supervisor could
	// not start or ready a model-server process for an Acquire/UseService
	// call.
	ErrServiceUnavailable = errors.New("inference service unavailable")

	// ErrShuttingDown is returned by Submit once the task manager's stop
	// sequence has been initiated.
	ErrShuttingDown = errors.New("task manager is shutting down")
)
