package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidState is matched by every *InvalidStateError.
	ErrInvalidState = errors.New("operation not permitted in current job status")

	// ErrEngine is matched by every *EngineError.
	ErrEngine = errors.New("engine error")

	// ErrJobNotFound is returned for operations on an unknown job.
	ErrJobNotFound = errors.New("job not found")

	errJobCancelled = errors.New("job cancelled")
	errStorageAbort = errors.New("job aborted after repeated storage failures")
	errEngineClosed = errors.New("engine is shut down")
)

// ValidationError reports a malformed job spec or item batch. Nothing was mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// InvalidStateError reports an operation the job's current status does not allow.
type InvalidStateError struct {
	JobID  uuid.UUID
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %q", e.Op, e.JobID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// EngineError wraps a storage or infrastructure fault. The job keeps its last
// consistent status.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool {
	return target == ErrEngine
}
